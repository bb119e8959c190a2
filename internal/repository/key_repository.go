package repository

import (
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/ayemen28191/Bot.v4-sub000/internal/models"
	"github.com/ayemen28191/Bot.v4-sub000/pkg/crypto"
)

// Ошибки репозитория ключей
var (
	ErrKeyNotFound = errors.New("api key not found")
	// ErrNoKeyAvailable - не ошибка хранилища, а штатный признак исчерпания
	// пула: ни один ключ провайдера не проходит фильтр доступности
	ErrNoKeyAvailable = errors.New("no api key available for provider")
	ErrKeyCorrupted   = errors.New("api key cannot be decrypted")
)

// KeyRepository - работа с таблицей api_keys.
//
// Таблица - единственный источник истины о состоянии ключей и может
// использоваться несколькими экземплярами процесса одновременно. Все
// мутации счетчиков идут через атомарные операции: Lease выполняет
// select-then-update в одной транзакции, никогда не read-then-write
// без неё.
//
// Секреты ключей хранятся зашифрованными (AES-256-GCM) и расшифровываются
// при чтении, чтобы вызывающий код работал с готовым значением.
type KeyRepository struct {
	db            *sql.DB
	encryptionKey []byte
}

// NewKeyRepository создает новый экземпляр репозитория
func NewKeyRepository(db *sql.DB, encryptionKey []byte) *KeyRepository {
	return &KeyRepository{db: db, encryptionKey: encryptionKey}
}

// keyColumns - общий список колонок для сканирования
const keyColumns = `id, key_value, provider, usage_today, daily_quota, last_used_at, failed_until, created_at, updated_at`

// scanKey сканирует одну строку и расшифровывает секрет
func (r *KeyRepository) scanKey(row interface {
	Scan(dest ...interface{}) error
}) (*models.ApiKey, error) {
	key := &models.ApiKey{}
	var encrypted string

	err := row.Scan(
		&key.ID,
		&encrypted,
		&key.Provider,
		&key.UsageToday,
		&key.DailyQuota,
		&key.LastUsedAt,
		&key.FailedUntil,
		&key.CreatedAt,
		&key.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.Decrypt(encrypted, r.encryptionKey)
	if err != nil {
		return nil, errors.Join(ErrKeyCorrupted, err)
	}
	key.Key = plaintext

	return key, nil
}

// Create добавляет новый ключ (административная операция начальной загрузки).
// Секрет шифруется перед сохранением.
func (r *KeyRepository) Create(key *models.ApiKey) error {
	encrypted, err := crypto.Encrypt(key.Key, r.encryptionKey)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO api_keys (key_value, provider, usage_today, daily_quota, last_used_at, failed_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	now := time.Now().UTC()
	key.CreatedAt = now
	key.UpdatedAt = now

	err = r.db.QueryRow(
		query,
		encrypted,
		key.Provider,
		key.UsageToday,
		key.DailyQuota,
		key.LastUsedAt,
		key.FailedUntil,
		key.CreatedAt,
		key.UpdatedAt,
	).Scan(&key.ID)

	if err != nil {
		return err
	}

	return nil
}

// GetByID возвращает ключ по ID
func (r *KeyRepository) GetByID(id int) (*models.ApiKey, error) {
	query := `
		SELECT ` + keyColumns + `
		FROM api_keys
		WHERE id = $1`

	key, err := r.scanKey(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}

	return key, nil
}

// List возвращает все ключи провайдера, отсортированные для round-robin:
// никогда не использованные первыми, затем по возрастанию last_used_at.
//
// Чистое чтение, ничего не мутирует. Фильтрация по доступности
// (квота, backoff) выполняется вызывающим кодом через ApiKey.IsAvailable.
func (r *KeyRepository) List(provider string) ([]*models.ApiKey, error) {
	query := `
		SELECT ` + keyColumns + `
		FROM api_keys
		WHERE provider = $1
		ORDER BY last_used_at ASC NULLS FIRST, id ASC`

	return r.queryKeys(query, provider)
}

// ListAll возвращает все ключи всех провайдеров (для статистики)
func (r *KeyRepository) ListAll() ([]*models.ApiKey, error) {
	query := `
		SELECT ` + keyColumns + `
		FROM api_keys
		ORDER BY provider ASC, last_used_at ASC NULLS FIRST, id ASC`

	return r.queryKeys(query)
}

func (r *KeyRepository) queryKeys(query string, args ...interface{}) ([]*models.ApiKey, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*models.ApiKey
	for rows.Next() {
		key, err := r.scanKey(rows)
		if err != nil {
			// Нерасшифровываемая запись не должна ронять весь список:
			// такой ключ просто невыдаваем
			if errors.Is(err, ErrKeyCorrupted) {
				continue
			}
			return nil, err
		}
		keys = append(keys, key)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return keys, nil
}

// Lease атомарно выбирает лучший доступный ключ провайдера и помечает его
// использованным: усиление usage_today и last_used_at происходит в той же
// транзакции, что и выбор кандидата.
//
// Кандидат: failed_until не установлен или прошёл, квота не исчерпана.
// Порядок: наименьший usage_today, затем самый давний last_used_at
// (NULLS FIRST - свежие ключи предпочтительнее).
//
// FOR UPDATE SKIP LOCKED сериализует конкурирующие лизинги на уровне строк:
// два одновременных вызова для одного провайдера никогда не получат одну
// и ту же строку в одном логическом "слоте".
//
// Возвращает:
// - ключ после обновления (post-update view)
// - ErrNoKeyAvailable, когда кандидатов нет (транзакция откатывается)
func (r *KeyRepository) Lease(provider string, now time.Time) (*models.ApiKey, error) {
	var leased *models.ApiKey

	err := r.withTransaction(func(tx *sql.Tx) error {
		selectQuery := `
			SELECT id
			FROM api_keys
			WHERE provider = $1
			  AND (failed_until IS NULL OR failed_until <= $2)
			  AND (daily_quota IS NULL OR usage_today < daily_quota)
			ORDER BY usage_today ASC, last_used_at ASC NULLS FIRST, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`

		var id int
		if err := tx.QueryRow(selectQuery, provider, now).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNoKeyAvailable
			}
			return err
		}

		updateQuery := `
			UPDATE api_keys
			SET usage_today = usage_today + 1, last_used_at = $1, updated_at = $1
			WHERE id = $2
			RETURNING ` + keyColumns

		key, err := r.scanKey(tx.QueryRow(updateQuery, now, id))
		if err != nil {
			return err
		}

		leased = key
		return nil
	})

	if err != nil {
		return nil, err
	}

	return leased, nil
}

// MarkFailed устанавливает failed_until: ключ исключается из выдачи,
// пока окно не пройдет. Валидация диапазона backoff - на уровне сервиса.
func (r *KeyRepository) MarkFailed(keyID int, failedUntil time.Time) error {
	query := `
		UPDATE api_keys
		SET failed_until = $1, updated_at = $2
		WHERE id = $3`

	result, err := r.db.Exec(query, failedUntil, time.Now().UTC(), keyID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrKeyNotFound
	}

	return nil
}

// IncrementUsage увеличивает usage_today на 1, не трогая failed_until.
// Для вызывающих, которые управляют лизингом вне Lease.
func (r *KeyRepository) IncrementUsage(keyID int) error {
	query := `
		UPDATE api_keys
		SET usage_today = usage_today + 1, updated_at = $1
		WHERE id = $2`

	result, err := r.db.Exec(query, time.Now().UTC(), keyID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrKeyNotFound
	}

	return nil
}

// ResetDaily сбрасывает usage_today и failed_until у всех ключей.
// Запускается раз в сутки внешним планировщиком либо вручную из админки.
func (r *KeyRepository) ResetDaily() (int64, error) {
	query := `
		UPDATE api_keys
		SET usage_today = 0, failed_until = NULL, updated_at = $1`

	result, err := r.db.Exec(query, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// CountAvailable возвращает количество доступных сейчас ключей провайдера
func (r *KeyRepository) CountAvailable(provider string, now time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM api_keys
		WHERE provider = $1
		  AND (failed_until IS NULL OR failed_until <= $2)
		  AND (daily_quota IS NULL OR usage_today < daily_quota)`

	var count int
	if err := r.db.QueryRow(query, provider, now).Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}

// withTransaction выполняет fn внутри транзакции с гарантированным
// rollback при ошибке или панике
func (r *KeyRepository) withTransaction(fn func(tx *sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// IsSerializationFailure проверяет, является ли ошибка конфликтом
// сериализации PostgreSQL (код 40001) - такой лизинг безопасно повторить
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001"
	}
	return false
}
