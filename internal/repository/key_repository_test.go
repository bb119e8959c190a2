package repository

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ayemen28191/Bot.v4-sub000/internal/models"
	"github.com/ayemen28191/Bot.v4-sub000/pkg/crypto"
)

var testEncryptionKey = []byte("0123456789abcdef0123456789abcdef")

// encrypt шифрует секрет для подстановки в mock строки
func encrypt(t *testing.T, secret string) string {
	t.Helper()
	encrypted, err := crypto.Encrypt(secret, testEncryptionKey)
	if err != nil {
		t.Fatalf("failed to encrypt test secret: %v", err)
	}
	return encrypted
}

func newMockRepo(t *testing.T) (*KeyRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	return NewKeyRepository(db, testEncryptionKey), mock, db
}

func keyRows(t *testing.T, now time.Time, secret string) *sqlmock.Rows {
	t.Helper()
	return sqlmock.NewRows([]string{
		"id", "key_value", "provider", "usage_today", "daily_quota",
		"last_used_at", "failed_until", "created_at", "updated_at",
	}).AddRow(1, encrypt(t, secret), "twelvedata", 1, 800, now, nil, now, now)
}

// ============================================================
// Lease Tests
// ============================================================

func TestLeaseSuccess(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id\s+FROM api_keys`).
		WithArgs("twelvedata", now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`UPDATE api_keys\s+SET usage_today = usage_today \+ 1`).
		WithArgs(now, 1).
		WillReturnRows(keyRows(t, now, "tvdt-secret-key-1"))
	mock.ExpectCommit()

	key, err := repo.Lease("twelvedata", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if key.ID != 1 {
		t.Errorf("expected key id 1, got %d", key.ID)
	}
	if key.Key != "tvdt-secret-key-1" {
		t.Errorf("secret not decrypted: got %q", key.Key)
	}
	if key.UsageToday != 1 {
		t.Errorf("expected post-update usage 1, got %d", key.UsageToday)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestLeaseNoCandidateRollsBack(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id\s+FROM api_keys`).
		WithArgs("twelvedata", now).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	key, err := repo.Lease("twelvedata", now)
	if !errors.Is(err, ErrNoKeyAvailable) {
		t.Errorf("expected ErrNoKeyAvailable, got %v", err)
	}
	if key != nil {
		t.Error("expected nil key on exhaustion")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestLeaseUpdateFailureRollsBack(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	now := time.Now().UTC()
	storageErr := errors.New("connection reset")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id\s+FROM api_keys`).
		WithArgs("twelvedata", now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectQuery(`UPDATE api_keys\s+SET usage_today = usage_today \+ 1`).
		WithArgs(now, 3).
		WillReturnError(storageErr)
	mock.ExpectRollback()

	_, err := repo.Lease("twelvedata", now)
	if !errors.Is(err, storageErr) {
		t.Errorf("expected storage error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

// ============================================================
// MarkFailed / IncrementUsage / ResetDaily Tests
// ============================================================

func TestMarkFailed(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	failedUntil := time.Now().UTC().Add(24 * time.Hour)

	mock.ExpectExec(`UPDATE api_keys\s+SET failed_until = \$1`).
		WithArgs(failedUntil, sqlmock.AnyArg(), 5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkFailed(5, failedUntil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMarkFailedNotFound(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE api_keys\s+SET failed_until = \$1`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 99).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.MarkFailed(99, time.Now()); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestIncrementUsage(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE api_keys\s+SET usage_today = usage_today \+ 1`).
		WithArgs(sqlmock.AnyArg(), 2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.IncrementUsage(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResetDaily(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE api_keys\s+SET usage_today = 0, failed_until = NULL`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 4))

	affected, err := repo.ResetDaily()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if affected != 4 {
		t.Errorf("expected 4 rows affected, got %d", affected)
	}
}

// ============================================================
// Read Tests
// ============================================================

func TestGetByIDNotFound(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM api_keys\s+WHERE id = \$1`).
		WithArgs(42).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(42)
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestListDecryptsSecrets(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "key_value", "provider", "usage_today", "daily_quota",
		"last_used_at", "failed_until", "created_at", "updated_at",
	}).
		AddRow(1, encrypt(t, "key-one-secret"), "twelvedata", 0, 800, nil, nil, now, now).
		AddRow(2, encrypt(t, "key-two-secret"), "twelvedata", 5, 800, now, nil, now, now)

	mock.ExpectQuery(`SELECT .+ FROM api_keys\s+WHERE provider = \$1`).
		WithArgs("twelvedata").
		WillReturnRows(rows)

	keys, err := repo.List("twelvedata")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	if keys[0].Key != "key-one-secret" || keys[1].Key != "key-two-secret" {
		t.Error("secrets not decrypted correctly")
	}
}

func TestListSkipsCorruptedRows(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "key_value", "provider", "usage_today", "daily_quota",
		"last_used_at", "failed_until", "created_at", "updated_at",
	}).
		AddRow(1, "garbage-not-ciphertext", "twelvedata", 0, nil, nil, nil, now, now).
		AddRow(2, encrypt(t, "valid-secret-key"), "twelvedata", 0, nil, nil, nil, now, now)

	mock.ExpectQuery(`SELECT .+ FROM api_keys\s+WHERE provider = \$1`).
		WithArgs("twelvedata").
		WillReturnRows(rows)

	keys, err := repo.List("twelvedata")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("corrupted row should be skipped, got %d keys", len(keys))
	}
	if keys[0].ID != 2 {
		t.Errorf("expected key 2, got %d", keys[0].ID)
	}
}

func TestCountAvailable(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT COUNT\(\*\)\s+FROM api_keys`).
		WithArgs("binance", now).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := repo.CountAvailable("binance", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3, got %d", count)
	}
}

// ============================================================
// Create Tests
// ============================================================

func TestCreateEncryptsSecret(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	quota := 800
	key := &models.ApiKey{
		Key:        "plaintext-secret-key",
		Provider:   "twelvedata",
		DailyQuota: &quota,
	}

	// Секрет в INSERT не должен совпадать с plaintext
	mock.ExpectQuery(`INSERT INTO api_keys`).
		WithArgs(encryptedArg{plaintext: "plaintext-secret-key"}, "twelvedata", 0, sqlmock.AnyArg(),
			nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))

	if err := repo.Create(key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.ID != 10 {
		t.Errorf("expected id 10, got %d", key.ID)
	}
}

// encryptedArg проверяет, что аргумент - валидный шифротекст заданного
// plaintext, не равный самому plaintext
type encryptedArg struct {
	plaintext string
}

func (e encryptedArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok || s == e.plaintext {
		return false
	}
	decrypted, err := crypto.Decrypt(s, testEncryptionKey)
	return err == nil && decrypted == e.plaintext
}
