package postgres

import (
	"context"
	"testing"
	"time"

	"electricity-vending/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func meterColumns() []string {
	return []string{"id", "unit_id", "estate_id", "meter_number", "status", "balance", "last_updated_at"}
}

func TestMeterRepo_GetByUnitID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewMeterRepo(mock)
	id := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectQuery("SELECT .+ FROM meters WHERE unit_id").
		WithArgs("UNIT-7").
		WillReturnRows(pgxmock.NewRows(meterColumns()).
			AddRow(id, "UNIT-7", "EST-1", "04004444884", domain.MeterStatusActive, decimal.RequireFromString("12.50"), now))

	m, err := repo.GetByUnitID(context.Background(), "UNIT-7")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, id, m.ID)
	assert.True(t, m.IsActive())
	assert.Equal(t, "12.5", m.Balance.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMeterRepo_GetByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewMeterRepo(mock)
	id := uuid.New()

	mock.ExpectQuery("SELECT .+ FROM meters WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(meterColumns()))

	m, err := repo.GetByID(context.Background(), id)
	assert.NoError(t, err)
	assert.Nil(t, m)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMeterRepo_Credit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewMeterRepo(mock)
	id := uuid.New()
	units := decimal.RequireFromString("39.08")
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE meters SET balance = balance \\+ \\$2").
		WithArgs(id, units, at).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(decimal.RequireFromString("51.58")))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	balance, err := repo.Credit(context.Background(), tx, id, units, at)
	require.NoError(t, err)
	assert.Equal(t, "51.58", balance.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMeterRepo_Credit_UnknownMeter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewMeterRepo(mock)
	id := uuid.New()
	units := decimal.RequireFromString("1.00")
	at := time.Now().UTC()

	mock.ExpectQuery("UPDATE meters").
		WithArgs(id, units, at).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}))

	_, err = repo.Credit(context.Background(), nil, id, units, at)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMeterRepo_HasPurchaser(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewMeterRepo(mock)
	id := uuid.New()

	mock.ExpectQuery("SELECT EXISTS .+ FROM purchases WHERE meter_id").
		WithArgs(id, "user-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS .+ FROM purchases WHERE meter_id").
		WithArgs(id, "user-2").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	owns, err := repo.HasPurchaser(context.Background(), id, "user-1")
	require.NoError(t, err)
	assert.True(t, owns)

	owns, err = repo.HasPurchaser(context.Background(), id, "user-2")
	require.NoError(t, err)
	assert.False(t, owns)
	assert.NoError(t, mock.ExpectationsWereMet())
}
