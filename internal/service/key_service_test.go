package service

import (
	"errors"
	"testing"
	"time"

	"github.com/ayemen28191/Bot.v4-sub000/internal/config"
	"github.com/ayemen28191/Bot.v4-sub000/internal/models"
	"github.com/ayemen28191/Bot.v4-sub000/pkg/utils"
)

func testProvidersConfig() *config.ProvidersConfig {
	return &config.ProvidersConfig{
		TwelveData:     config.ProviderConfig{DefaultDailyQuota: 800},
		AlphaVantage:   config.ProviderConfig{DefaultDailyQuota: 25},
		Binance:        config.ProviderConfig{},
		RequestTimeout: time.Second,
		RetryAttempts:  3,
		RetryDelay:     time.Millisecond,
		DefaultBackoff: time.Hour,
	}
}

// newTestKeyService создает сервис с фабрикованными часами
func newTestKeyService(repo *MockKeyRepository, cfg *config.ProvidersConfig) (*KeyService, *time.Time) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc := NewKeyService(repo, cfg, nil, nil)
	svc.now = func() time.Time { return now }
	return svc, &now
}

func TestPickNextKeyLeasesLeastUsed(t *testing.T) {
	repo := NewMockKeyRepository()
	quota := 10
	repo.addKey(&models.ApiKey{Key: "first-secret-key", Provider: "twelvedata", UsageToday: 5, DailyQuota: &quota})
	repo.addKey(&models.ApiKey{Key: "second-secret-key", Provider: "twelvedata", UsageToday: 1, DailyQuota: &quota})

	svc, _ := newTestKeyService(repo, testProvidersConfig())

	key, err := svc.PickNextKey("twelvedata")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key == nil {
		t.Fatal("expected a key")
	}
	if key.Key != "second-secret-key" {
		t.Errorf("expected least used key, got %q", key.Key)
	}
	if key.UsageToday != 2 {
		t.Errorf("lease must increment usage, got %d", key.UsageToday)
	}
}

func TestPickNextKeyExhaustedReturnsNil(t *testing.T) {
	repo := NewMockKeyRepository()
	quota := 1
	repo.addKey(&models.ApiKey{Key: "only-secret-key", Provider: "twelvedata", UsageToday: 1, DailyQuota: &quota})

	svc, _ := newTestKeyService(repo, testProvidersConfig())

	key, err := svc.PickNextKey("twelvedata")
	if err != nil {
		t.Fatalf("exhaustion must not be an error, got %v", err)
	}
	if key != nil {
		t.Errorf("expected nil key for exhausted pool, got %+v", key)
	}
}

func TestPickNextKeyValidation(t *testing.T) {
	svc, _ := newTestKeyService(NewMockKeyRepository(), testProvidersConfig())

	if _, err := svc.PickNextKey(""); err == nil {
		t.Error("expected error for empty provider")
	}
	if _, err := svc.PickNextKey("yahoo"); !errors.Is(err, ErrUnsupportedProvider) {
		t.Errorf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestPickNextKeyRotatesThroughQuota(t *testing.T) {
	// Три ключа с квотой 2: ротация по наименьшему usage дает
	// A, B, C, A, B, C, затем пул исчерпан
	repo := NewMockKeyRepository()
	quota := 2
	keyA := repo.addKey(&models.ApiKey{Key: "secret-key-alpha", Provider: "twelvedata", DailyQuota: &quota})
	keyB := repo.addKey(&models.ApiKey{Key: "secret-key-bravo", Provider: "twelvedata", DailyQuota: &quota})
	keyC := repo.addKey(&models.ApiKey{Key: "secret-key-delta", Provider: "twelvedata", DailyQuota: &quota})

	svc, now := newTestKeyService(repo, testProvidersConfig())

	expected := []int{keyA.ID, keyB.ID, keyC.ID, keyA.ID, keyB.ID, keyC.ID}
	for i, want := range expected {
		key, err := svc.PickNextKey("twelvedata")
		if err != nil {
			t.Fatalf("lease %d: unexpected error: %v", i, err)
		}
		if key == nil {
			t.Fatalf("lease %d: expected key %d, got nil", i, want)
		}
		if key.ID != want {
			t.Errorf("lease %d: expected key %d, got %d", i, want, key.ID)
		}
		// Часы двигаются: последний использованный уходит в конец ротации
		*now = now.Add(time.Second)
	}

	key, err := svc.PickNextKey("twelvedata")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != nil {
		t.Errorf("expected nil after all quotas exhausted, got key %d with usage %d", key.ID, key.UsageToday)
	}
}

func TestGetKeyForProviderFallbackRoundRobin(t *testing.T) {
	// В БД ключей нет, три fallback ключа с квотой 2:
	// A, B, C, A, B, C, затем nil
	cfg := testProvidersConfig()
	cfg.TwelveData = config.ProviderConfig{
		DefaultDailyQuota: 2,
		FallbackKeys:      []string{"key-A", "key-B", "key-C"},
	}

	svc, _ := newTestKeyService(NewMockKeyRepository(), cfg)

	expected := []string{"key-A", "key-B", "key-C", "key-A", "key-B", "key-C"}
	for i, want := range expected {
		lease, err := svc.GetKeyForProvider("twelvedata")
		if err != nil {
			t.Fatalf("lease %d: unexpected error: %v", i, err)
		}
		if lease == nil {
			t.Fatalf("lease %d: expected key %q, got nil", i, want)
		}
		if lease.Key != want {
			t.Errorf("lease %d: expected %q, got %q", i, want, lease.Key)
		}
		if lease.Source != models.KeySourceFallback {
			t.Errorf("lease %d: expected fallback source, got %q", i, lease.Source)
		}
	}

	// Квоты всех трех ключей исчерпаны
	lease, err := svc.GetKeyForProvider("twelvedata")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lease != nil {
		t.Errorf("expected nil after quota exhaustion, got %q", lease.Key)
	}
}

func TestGetKeyForProviderPrefersDatabase(t *testing.T) {
	cfg := testProvidersConfig()
	cfg.TwelveData.FallbackKeys = []string{"fallback-key"}

	repo := NewMockKeyRepository()
	repo.addKey(&models.ApiKey{Key: "database-secret", Provider: "twelvedata"})

	svc, _ := newTestKeyService(repo, cfg)

	lease, err := svc.GetKeyForProvider("twelvedata")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lease.Source != models.KeySourceDatabase {
		t.Errorf("expected database source, got %q", lease.Source)
	}
	if lease.Key != "database-secret" {
		t.Errorf("expected database key, got %q", lease.Key)
	}
	if lease.KeyID == 0 {
		t.Error("database lease must carry key id")
	}
}

func TestMarkKeyFailedBackoffWindow(t *testing.T) {
	repo := NewMockKeyRepository()
	key := repo.addKey(&models.ApiKey{Key: "backoff-secret-key", Provider: "twelvedata"})

	svc, now := newTestKeyService(repo, testProvidersConfig())

	if err := svc.MarkKeyFailed(key.ID, "twelvedata", 60*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Внутри окна ключ не выдается
	leased, err := svc.PickNextKey("twelvedata")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if leased != nil {
		t.Error("key inside backoff window must not be leased")
	}

	// Окно прошло - ключ снова в ротации
	*now = now.Add(61 * time.Second)
	leased, err = svc.PickNextKey("twelvedata")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if leased == nil {
		t.Fatal("key must be leasable after backoff expires")
	}
	if leased.ID != key.ID {
		t.Errorf("expected key %d, got %d", key.ID, leased.ID)
	}
}

func TestMarkKeyFailedValidation(t *testing.T) {
	svc, _ := newTestKeyService(NewMockKeyRepository(), testProvidersConfig())

	if err := svc.MarkKeyFailed(0, "twelvedata", time.Minute); !errors.Is(err, utils.ErrInvalidKeyID) {
		t.Errorf("expected ErrInvalidKeyID, got %v", err)
	}
	if err := svc.MarkKeyFailed(1, "twelvedata", -time.Minute); !errors.Is(err, utils.ErrBackoffNegative) {
		t.Errorf("expected ErrBackoffNegative, got %v", err)
	}
	if err := svc.MarkKeyFailed(1, "twelvedata", 31*24*time.Hour); !errors.Is(err, utils.ErrBackoffTooLong) {
		t.Errorf("expected ErrBackoffTooLong, got %v", err)
	}
}

func TestMarkKeyFailedMissingKeyIsNoop(t *testing.T) {
	svc, _ := newTestKeyService(NewMockKeyRepository(), testProvidersConfig())

	// Гонка пометки с удалением ключа не должна отдавать ошибку наверх
	if err := svc.MarkKeyFailed(42, "twelvedata", time.Minute); err != nil {
		t.Errorf("missing key must be a no-op, got %v", err)
	}
}

func TestMarkLeaseFailedFallbackKey(t *testing.T) {
	cfg := testProvidersConfig()
	cfg.TwelveData = config.ProviderConfig{FallbackKeys: []string{"key-A", "key-B"}}

	svc, _ := newTestKeyService(NewMockKeyRepository(), cfg)

	lease, err := svc.GetKeyForProvider("twelvedata")
	if err != nil || lease == nil {
		t.Fatalf("expected fallback lease, got %v, %v", lease, err)
	}
	if lease.Key != "key-A" {
		t.Fatalf("expected key-A first, got %q", lease.Key)
	}

	if err := svc.MarkLeaseFailed("twelvedata", lease, time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Упавший ключ пропускается, ротация продолжается с остальных
	for i := 0; i < 3; i++ {
		lease, err = svc.GetKeyForProvider("twelvedata")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if lease == nil {
			t.Fatal("expected remaining fallback key")
		}
		if lease.Key == "key-A" {
			t.Error("failed fallback key must be skipped")
		}
	}
}

func TestGetAvailableKeysEmptyProvider(t *testing.T) {
	sink := &captureSink{}
	svc := NewKeyService(NewMockKeyRepository(), testProvidersConfig(), sink, nil)

	stats, err := svc.GetAvailableKeys("")
	if err != nil {
		t.Fatalf("empty provider must not be an error, got %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("expected empty list, got %d entries", len(stats))
	}
	if sink.count() != 1 {
		t.Errorf("expected one audit event, got %d", sink.count())
	}
}

func TestGetAvailableKeysFiltersUnavailable(t *testing.T) {
	repo := NewMockKeyRepository()
	quota := 5
	repo.addKey(&models.ApiKey{Key: "available-secret", Provider: "twelvedata", UsageToday: 1, DailyQuota: &quota})
	repo.addKey(&models.ApiKey{Key: "exhausted-secret", Provider: "twelvedata", UsageToday: 5, DailyQuota: &quota})

	svc, _ := newTestKeyService(repo, testProvidersConfig())

	stats, err := svc.GetAvailableKeys("twelvedata")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 available key, got %d", len(stats))
	}
	if !stats[0].IsAvailable {
		t.Error("returned key must be available")
	}
}

func TestGetKeyStatsMasksSecrets(t *testing.T) {
	repo := NewMockKeyRepository()
	repo.addKey(&models.ApiKey{Key: "super-secret-value-123", Provider: "twelvedata"})

	svc, _ := newTestKeyService(repo, testProvidersConfig())

	stats, err := svc.GetKeyStats()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 key, got %d", len(stats))
	}
	if stats[0].MaskedKey != "supe...-123" {
		t.Errorf("secret must be masked, got %q", stats[0].MaskedKey)
	}
}

func TestResetFailedFlags(t *testing.T) {
	cfg := testProvidersConfig()
	cfg.TwelveData = config.ProviderConfig{DefaultDailyQuota: 1, FallbackKeys: []string{"key-A"}}

	repo := NewMockKeyRepository()
	until := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	repo.addKey(&models.ApiKey{Key: "failed-secret-key", Provider: "twelvedata", UsageToday: 3, FailedUntil: &until})

	svc, _ := newTestKeyService(repo, cfg)

	// Ключ БД в backoff, поэтому выдается fallback; исчерпываем его квоту
	lease, err := svc.GetKeyForProvider("twelvedata")
	if err != nil || lease == nil || lease.Source != models.KeySourceFallback {
		t.Fatalf("expected fallback lease while db key is failed, got %+v, %v", lease, err)
	}
	if lease, _ := svc.GetKeyForProvider("twelvedata"); lease != nil {
		t.Fatalf("expected full exhaustion, got %q", lease.Key)
	}

	affected, err := svc.ResetFailedFlags()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if affected != 1 {
		t.Errorf("expected 1 affected key, got %d", affected)
	}

	// Ключ БД снова доступен
	key, err := svc.PickNextKey("twelvedata")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key == nil {
		t.Fatal("key must be leasable after reset")
	}
	if key.UsageToday != 1 {
		t.Errorf("usage must restart from zero, got %d after one lease", key.UsageToday)
	}
}

func TestAddKeyAppliesDefaultQuota(t *testing.T) {
	repo := NewMockKeyRepository()
	svc, _ := newTestKeyService(repo, testProvidersConfig())

	key, err := svc.AddKey("alphavantage", "new-secret-key-value", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.DailyQuota == nil || *key.DailyQuota != 25 {
		t.Errorf("expected default quota 25, got %v", key.DailyQuota)
	}

	if _, err := svc.AddKey("alphavantage", "  ", nil); err == nil {
		t.Error("expected error for blank secret")
	}
	if _, err := svc.AddKey("yahoo", "secret", nil); !errors.Is(err, ErrUnsupportedProvider) {
		t.Errorf("expected ErrUnsupportedProvider, got %v", err)
	}
}
