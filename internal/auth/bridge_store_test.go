package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/wishr/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newStoreBackedBridge(t *testing.T) (*Bridge, *users.Store, *observer.ObservedLogs) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:auth_%s?mode=memory&cache=shared", name)), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(users.Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := users.NewStore(users.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	bridge, err := NewBridge(BridgeConfig{
		Domain:    "tenant.example.com",
		ClientID:  testClientID,
		Sessions:  newTestSessionManager(t),
		Users:     store,
		Exchanger: &stubExchanger{},
		Logger:    zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct bridge: %v", err)
	}
	return bridge, store, logs
}

func TestAddNewUserOverStoreReturnsExistingRecord(t *testing.T) {
	bridge, store, logs := newStoreBackedBridge(t)
	ctx := context.Background()
	profile := Profile{Subject: "auth0|grace", Email: "grace@example.com", GivenName: "Grace"}

	first, err := bridge.AddNewUser(ctx, profile)
	if err != nil {
		t.Fatalf("first reconciliation failed: %v", err)
	}
	profile.GivenName = "Renamed"
	second, err := bridge.AddNewUser(ctx, profile)
	if err != nil {
		t.Fatalf("second reconciliation failed: %v", err)
	}
	if first.ID != "auth0|grace" || second.ID != first.ID {
		t.Fatalf("expected the same record twice, got %q and %q", first.ID, second.ID)
	}
	if second.PersonalInformation.FirstName != "Grace" {
		t.Fatalf("expected the stored profile to be kept, got %q", second.PersonalInformation.FirstName)
	}
	exists, err := store.UserExistsByProviderID(ctx, "auth0|grace")
	if err != nil || !exists {
		t.Fatalf("expected the provider subject to be stored, got %v %v", exists, err)
	}
	if logs.FilterMessage("user created on first login").Len() != 1 {
		t.Fatalf("expected a single creation log entry")
	}
}

func TestAddNewUserOverStoreConcurrentCallsCreateOneRecord(t *testing.T) {
	bridge, store, logs := newStoreBackedBridge(t)
	profile := Profile{Subject: "auth0|race", Email: "race@example.com"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := bridge.AddNewUser(context.Background(), profile); err != nil {
				t.Errorf("reconciliation failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if created := logs.FilterMessage("user created on first login").Len(); created != 1 {
		t.Fatalf("expected one creation, got %d", created)
	}
	user, found, err := store.GetUser(context.Background(), "auth0|race")
	if err != nil || !found {
		t.Fatalf("expected the reconciled user, got %v %v", found, err)
	}
	if user.AuthProviderID != "auth0|race" {
		t.Fatalf("expected the provider subject on the record, got %q", user.AuthProviderID)
	}
}

func TestAddNewUserRejectsProfileWithoutEmail(t *testing.T) {
	bridge, store, logs := newStoreBackedBridge(t)

	_, err := bridge.AddNewUser(context.Background(), Profile{Subject: "auth0|anon", GivenName: "Anon"})
	if !errors.Is(err, ErrMissingProfileEmail) {
		t.Fatalf("expected missing email error, got %v", err)
	}
	entries := logs.FilterMessage("user reconciliation rejected profile without email").All()
	if len(entries) != 1 || entries[0].ContextMap()["user_id"] != "auth0|anon" {
		t.Fatalf("expected a diagnostic log entry, got %v", entries)
	}
	exists, err := store.UserExists(context.Background(), "auth0|anon")
	if err != nil || exists {
		t.Fatalf("expected no record, got %v %v", exists, err)
	}
}
