package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/truesalary/backend/internal/config"
	"github.com/truesalary/backend/internal/linepay"
	"github.com/truesalary/backend/internal/models"
)

func newPaymentFixture(t *testing.T) (*PaymentService, *MockGateway, sqlmock.Sqlmock, func()) {
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)

	gateway := new(MockGateway)
	cfg := config.LoadPointsConfig()
	points := NewPointsService(db)
	service := NewPaymentService(db, gateway, points, cfg, NewNotifier(nil), "https://truesalary.example")
	return service, gateway, dbMock, func() { db.Close() }
}

func expectOrderSetup(dbMock sqlmock.Sqlmock, userID string) {
	dbMock.ExpectExec("INSERT INTO balances").
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	dbMock.ExpectExec(`UPDATE transactions SET status = \$1, remark = \$2\s+WHERE user_id = \$3 AND status = \$4 AND expiry_time < NOW\(\)`).
		WithArgs(models.TxStatusExpired, sqlmock.AnyArg(), userID, models.TxStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestPaymentService_CreateOrder(t *testing.T) {
	service, _, dbMock, cleanup := newPaymentFixture(t)
	defer cleanup()

	userID := "user1"

	t.Run("point pack pricing", func(t *testing.T) {
		expectOrderSetup(dbMock, userID)

		dbMock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), userID, int64(450), int64(300),
				models.TxStatusPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		transaction, err := service.CreateOrder(userID, models.PurchasePoints, 450)
		assert.NoError(t, err)
		assert.Equal(t, int64(300), transaction.Points)
		assert.Equal(t, models.TxStatusPending, transaction.Status)
		assert.Contains(t, transaction.TransactionID, "_")
		assert.True(t, transaction.ExpiryTime.After(time.Now()))
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("subscription pricing", func(t *testing.T) {
		expectOrderSetup(dbMock, userID)

		dbMock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), userID, int64(699), int64(2000),
				models.TxStatusPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		transaction, err := service.CreateOrder(userID, models.PurchaseSubscription, 699)
		assert.NoError(t, err)
		assert.Equal(t, int64(2000), transaction.Points)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("amount not a pack multiple", func(t *testing.T) {
		expectOrderSetup(dbMock, userID)

		_, err := service.CreateOrder(userID, models.PurchasePoints, 475)
		assert.Error(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("wrong subscription amount", func(t *testing.T) {
		expectOrderSetup(dbMock, userID)

		_, err := service.CreateOrder(userID, models.PurchaseSubscription, 500)
		assert.Error(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("unknown purchase type", func(t *testing.T) {
		expectOrderSetup(dbMock, userID)

		_, err := service.CreateOrder(userID, "donation", 100)
		assert.Error(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestPaymentService_Submit(t *testing.T) {
	orderJSON := []byte(`{"amount":450,"currency":"TWD","orderId":"order1","packages":[]}`)

	t.Run("successful submit stores the provider reference", func(t *testing.T) {
		service, gateway, dbMock, cleanup := newPaymentFixture(t)
		defer cleanup()

		dbMock.ExpectQuery(`SELECT user_id, status, expiry_time, order_details\s+FROM transactions WHERE transaction_id = \$1`).
			WithArgs("order1").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "status", "expiry_time", "order_details"}).
				AddRow("user1", models.TxStatusPending, time.Now().Add(10*time.Minute), orderJSON))

		gateway.On("Submit", mock.Anything, mock.Anything).Return(&linepay.SubmitResult{
			ReturnCode:            linepay.ReturnCodeOK,
			ProviderTransactionID: "2021121600000001",
			PaymentURL:            "https://pay.example/web/p1",
		}, nil)

		dbMock.ExpectExec(`UPDATE transactions SET provider_transaction_id = \$1\s+WHERE transaction_id = \$2`).
			WithArgs("2021121600000001", "order1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		result, err := service.Submit(context.Background(), "order1")
		assert.NoError(t, err)
		assert.Equal(t, "https://pay.example/web/p1", result.PaymentURL)
		assert.NotEmpty(t, result.QRCode)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		gateway.AssertExpectations(t)
	})

	t.Run("expired order is marked and rejected", func(t *testing.T) {
		service, _, dbMock, cleanup := newPaymentFixture(t)
		defer cleanup()

		dbMock.ExpectQuery(`SELECT user_id, status, expiry_time, order_details\s+FROM transactions WHERE transaction_id = \$1`).
			WithArgs("order1").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "status", "expiry_time", "order_details"}).
				AddRow("user1", models.TxStatusPending, time.Now().Add(-time.Minute), orderJSON))

		dbMock.ExpectExec(`UPDATE transactions SET status = \$1, remark = \$2\s+WHERE transaction_id = \$3 AND status = \$4`).
			WithArgs(models.TxStatusExpired, sqlmock.AnyArg(), "order1", models.TxStatusPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := service.Submit(context.Background(), "order1")
		assert.ErrorIs(t, err, ErrOrderExpired)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("provider decline is terminal", func(t *testing.T) {
		service, gateway, dbMock, cleanup := newPaymentFixture(t)
		defer cleanup()

		dbMock.ExpectQuery(`SELECT user_id, status, expiry_time, order_details\s+FROM transactions WHERE transaction_id = \$1`).
			WithArgs("order1").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "status", "expiry_time", "order_details"}).
				AddRow("user1", models.TxStatusPending, time.Now().Add(10*time.Minute), orderJSON))

		gateway.On("Submit", mock.Anything, mock.Anything).Return(&linepay.SubmitResult{
			ReturnCode:    "1104",
			ReturnMessage: "Merchant not found",
		}, nil)

		dbMock.ExpectExec(`UPDATE transactions SET status = \$1, remark = \$2\s+WHERE transaction_id = \$3 AND status = \$4`).
			WithArgs(models.TxStatusFailure, "Merchant not found", "order1", models.TxStatusPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := service.Submit(context.Background(), "order1")
		assert.ErrorIs(t, err, ErrProviderFailure)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		gateway.AssertExpectations(t)
	})

	t.Run("already finalized order", func(t *testing.T) {
		service, _, dbMock, cleanup := newPaymentFixture(t)
		defer cleanup()

		dbMock.ExpectQuery(`SELECT user_id, status, expiry_time, order_details\s+FROM transactions WHERE transaction_id = \$1`).
			WithArgs("order1").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "status", "expiry_time", "order_details"}).
				AddRow("user1", models.TxStatusSuccess, time.Now().Add(10*time.Minute), orderJSON))

		_, err := service.Submit(context.Background(), "order1")
		assert.ErrorIs(t, err, ErrOrderTerminal)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("unknown order", func(t *testing.T) {
		service, _, dbMock, cleanup := newPaymentFixture(t)
		defer cleanup()

		dbMock.ExpectQuery(`SELECT user_id, status, expiry_time, order_details\s+FROM transactions WHERE transaction_id = \$1`).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "status", "expiry_time", "order_details"}))

		_, err := service.Submit(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrOrderNotFound)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestPaymentService_Confirm(t *testing.T) {
	t.Run("successful confirm credits points once", func(t *testing.T) {
		service, gateway, dbMock, cleanup := newPaymentFixture(t)
		defer cleanup()

		dbMock.ExpectBegin()

		dbMock.ExpectQuery(`SELECT user_id, status, amount, points\s+FROM transactions WHERE transaction_id = \$1\s+FOR UPDATE`).
			WithArgs("order1").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "status", "amount", "points"}).
				AddRow("user1", models.TxStatusPending, 450, 300))

		gateway.On("Confirm", mock.Anything, "2021121600000001", int64(450)).
			Return(&linepay.ConfirmResult{ReturnCode: linepay.ReturnCodeOK, ReturnMessage: "Success"}, nil)

		dbMock.ExpectExec(`UPDATE transactions SET status = \$1, remark = \$2\s+WHERE transaction_id = \$3`).
			WithArgs(models.TxStatusSuccess, "Success", "order1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		dbMock.ExpectExec("INSERT INTO balances").
			WithArgs("user1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		dbMock.ExpectQuery(`UPDATE balances\s+SET points = points \+ \$1`).
			WithArgs(int64(300), "user1").
			WillReturnRows(sqlmock.NewRows([]string{"points"}).AddRow(340))

		dbMock.ExpectExec("INSERT INTO point_history").
			WithArgs("user1", int64(300), "Purchased 300 points", nil).
			WillReturnResult(sqlmock.NewResult(1, 1))

		dbMock.ExpectCommit()

		outcome, err := service.Confirm(context.Background(), "2021121600000001", "order1")
		assert.NoError(t, err)
		assert.Equal(t, models.TxStatusSuccess, outcome.Status)
		assert.Equal(t, int64(300), outcome.PointsCredited)
		assert.False(t, outcome.AlreadyFinal)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		gateway.AssertExpectations(t)
	})

	t.Run("first purchase credits a user with no prior balance row", func(t *testing.T) {
		service, gateway, dbMock, cleanup := newPaymentFixture(t)
		defer cleanup()

		dbMock.ExpectBegin()

		dbMock.ExpectQuery(`SELECT user_id, status, amount, points\s+FROM transactions WHERE transaction_id = \$1\s+FOR UPDATE`).
			WithArgs("order1").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "status", "amount", "points"}).
				AddRow("freshuser", models.TxStatusPending, 450, 300))

		gateway.On("Confirm", mock.Anything, "2021121600000001", int64(450)).
			Return(&linepay.ConfirmResult{ReturnCode: linepay.ReturnCodeOK, ReturnMessage: "Success"}, nil)

		dbMock.ExpectExec(`UPDATE transactions SET status = \$1, remark = \$2\s+WHERE transaction_id = \$3`).
			WithArgs(models.TxStatusSuccess, "Success", "order1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		// The balance row is created inside the confirm transaction, so the
		// credit's conditional update always finds it.
		dbMock.ExpectExec("INSERT INTO balances").
			WithArgs("freshuser").
			WillReturnResult(sqlmock.NewResult(1, 1))

		dbMock.ExpectQuery(`UPDATE balances\s+SET points = points \+ \$1`).
			WithArgs(int64(300), "freshuser").
			WillReturnRows(sqlmock.NewRows([]string{"points"}).AddRow(300))

		dbMock.ExpectExec("INSERT INTO point_history").
			WithArgs("freshuser", int64(300), "Purchased 300 points", nil).
			WillReturnResult(sqlmock.NewResult(1, 1))

		dbMock.ExpectCommit()

		outcome, err := service.Confirm(context.Background(), "2021121600000001", "order1")
		assert.NoError(t, err)
		assert.Equal(t, models.TxStatusSuccess, outcome.Status)
		assert.Equal(t, int64(300), outcome.PointsCredited)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		gateway.AssertExpectations(t)
	})

	t.Run("storage failure after settlement leaves the intent pending", func(t *testing.T) {
		service, gateway, dbMock, cleanup := newPaymentFixture(t)
		defer cleanup()

		dbMock.ExpectBegin()

		dbMock.ExpectQuery(`SELECT user_id, status, amount, points\s+FROM transactions WHERE transaction_id = \$1\s+FOR UPDATE`).
			WithArgs("order1").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "status", "amount", "points"}).
				AddRow("user1", models.TxStatusPending, 450, 300))

		gateway.On("Confirm", mock.Anything, "2021121600000001", int64(450)).
			Return(&linepay.ConfirmResult{ReturnCode: linepay.ReturnCodeOK, ReturnMessage: "Success"}, nil)

		dbMock.ExpectExec(`UPDATE transactions SET status = \$1, remark = \$2\s+WHERE transaction_id = \$3`).
			WithArgs(models.TxStatusSuccess, "Success", "order1").
			WillReturnError(assert.AnError)

		// No failure mark follows: the transaction must stay pending because
		// the provider has already settled the payment.
		dbMock.ExpectRollback()

		_, err := service.Confirm(context.Background(), "2021121600000001", "order1")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrProviderFailure)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		gateway.AssertExpectations(t)
	})

	t.Run("duplicate callback is a no-op", func(t *testing.T) {
		service, gateway, dbMock, cleanup := newPaymentFixture(t)
		defer cleanup()

		dbMock.ExpectBegin()

		dbMock.ExpectQuery(`SELECT user_id, status, amount, points\s+FROM transactions WHERE transaction_id = \$1\s+FOR UPDATE`).
			WithArgs("order1").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "status", "amount", "points"}).
				AddRow("user1", models.TxStatusSuccess, 450, 300))

		dbMock.ExpectRollback()

		outcome, err := service.Confirm(context.Background(), "2021121600000001", "order1")
		assert.NoError(t, err)
		assert.True(t, outcome.AlreadyFinal)
		assert.Equal(t, models.TxStatusSuccess, outcome.Status)
		assert.Zero(t, outcome.PointsCredited)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		gateway.AssertNotCalled(t, "Confirm", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("provider decline marks failure without crediting", func(t *testing.T) {
		service, gateway, dbMock, cleanup := newPaymentFixture(t)
		defer cleanup()

		dbMock.ExpectBegin()

		dbMock.ExpectQuery(`SELECT user_id, status, amount, points\s+FROM transactions WHERE transaction_id = \$1\s+FOR UPDATE`).
			WithArgs("order1").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "status", "amount", "points"}).
				AddRow("user1", models.TxStatusPending, 450, 300))

		gateway.On("Confirm", mock.Anything, "2021121600000001", int64(450)).
			Return(&linepay.ConfirmResult{ReturnCode: "1198", ReturnMessage: "Duplicated request"}, nil)

		dbMock.ExpectRollback()

		dbMock.ExpectExec(`UPDATE transactions SET status = \$1, remark = \$2\s+WHERE transaction_id = \$3 AND status = \$4`).
			WithArgs(models.TxStatusFailure, "Duplicated request", "order1", models.TxStatusPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		outcome, err := service.Confirm(context.Background(), "2021121600000001", "order1")
		assert.NoError(t, err)
		assert.Equal(t, models.TxStatusFailure, outcome.Status)
		assert.Zero(t, outcome.PointsCredited)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		gateway.AssertExpectations(t)
	})

	t.Run("provider transport error", func(t *testing.T) {
		service, gateway, dbMock, cleanup := newPaymentFixture(t)
		defer cleanup()

		dbMock.ExpectBegin()

		dbMock.ExpectQuery(`SELECT user_id, status, amount, points\s+FROM transactions WHERE transaction_id = \$1\s+FOR UPDATE`).
			WithArgs("order1").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "status", "amount", "points"}).
				AddRow("user1", models.TxStatusPending, 450, 300))

		gateway.On("Confirm", mock.Anything, "2021121600000001", int64(450)).
			Return(nil, errors.New("connection refused"))

		dbMock.ExpectRollback()

		dbMock.ExpectExec(`UPDATE transactions SET status = \$1, remark = \$2\s+WHERE transaction_id = \$3 AND status = \$4`).
			WithArgs(models.TxStatusFailure, sqlmock.AnyArg(), "order1", models.TxStatusPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := service.Confirm(context.Background(), "2021121600000001", "order1")
		assert.ErrorIs(t, err, ErrProviderFailure)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		gateway.AssertExpectations(t)
	})

	t.Run("unknown order", func(t *testing.T) {
		service, _, dbMock, cleanup := newPaymentFixture(t)
		defer cleanup()

		dbMock.ExpectBegin()

		dbMock.ExpectQuery(`SELECT user_id, status, amount, points\s+FROM transactions WHERE transaction_id = \$1\s+FOR UPDATE`).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "status", "amount", "points"}))

		dbMock.ExpectRollback()

		_, err := service.Confirm(context.Background(), "2021121600000001", "missing")
		assert.ErrorIs(t, err, ErrOrderNotFound)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestPaymentService_SweepExpired(t *testing.T) {
	service, _, dbMock, cleanup := newPaymentFixture(t)
	defer cleanup()

	dbMock.ExpectExec(`UPDATE transactions SET status = \$1, remark = \$2\s+WHERE status = \$3 AND expiry_time < NOW\(\)`).
		WithArgs(models.TxStatusExpired, sqlmock.AnyArg(), models.TxStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 3))

	service.SweepExpired()
	assert.NoError(t, dbMock.ExpectationsWereMet())
}

func TestPaymentService_ListOrders(t *testing.T) {
	service, _, dbMock, cleanup := newPaymentFixture(t)
	defer cleanup()

	now := time.Now()
	dbMock.ExpectQuery(`SELECT transaction_id, user_id, amount, points, status, expiry_time,\s+provider_transaction_id, remark, created_at\s+FROM transactions\s+WHERE user_id = \$1\s+ORDER BY created_at DESC`).
		WithArgs("user1", 20).
		WillReturnRows(sqlmock.NewRows([]string{
			"transaction_id", "user_id", "amount", "points", "status",
			"expiry_time", "provider_transaction_id", "remark", "created_at",
		}).
			AddRow("order2", "user1", 699, 2000, models.TxStatusSuccess, now, "2021121600000002", "Success", now).
			AddRow("order1", "user1", 450, 300, models.TxStatusExpired, now, nil, "", now.Add(-time.Hour)))

	orders, err := service.ListOrders("user1", 20)
	assert.NoError(t, err)
	assert.Len(t, orders, 2)
	assert.Equal(t, "order2", orders[0].TransactionID)
	assert.NotNil(t, orders[0].ProviderTransactionID)
	assert.Nil(t, orders[1].ProviderTransactionID)
	assert.NoError(t, dbMock.ExpectationsWereMet())
}
