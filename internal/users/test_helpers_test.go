package users

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wishr/internal/realtime"
	"github.com/MarcoPoloResearchLab/wishr/internal/schema"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var fixedNow = time.Date(2024, time.March, 9, 12, 30, 0, 0, time.UTC)

func openTestDatabase(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
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
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate users schema: %v", err)
	}
	return db
}

func newTestStore(t testing.TB, feed ChangeFeed, recorder Recorder) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Database: openTestDatabase(t),
		Clock: func() time.Time {
			return fixedNow
		},
		Feed:    feed,
		Metrics: recorder,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func sampleUser(id string) schema.User {
	price := 129.5
	return schema.User{
		ID:             id,
		AuthProviderID: id,
		PersonalInformation: schema.PersonalInformation{
			FirstName: "Ada",
			LastName:  "Lovelace",
			Email:     "ada@example.com",
		},
		Wishlists: []schema.Wishlist{
			{
				Title: "Birthday",
				Items: []schema.Item{
					{Title: "Bike", Link: "https://shop.example.com/bike", Price: &price},
					{Title: "Book"},
				},
			},
		},
		Friends: []schema.Friend{
			{ID: "friend-1", FirstName: "Grace", Email: "grace@example.com"},
		},
	}
}

type countingRecorder struct {
	mu       sync.Mutex
	created  int
	outcomes map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{outcomes: make(map[string]int)}
}

func (r *countingRecorder) RecordStoreOperation(operation, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[operation+":"+outcome]++
}

func (r *countingRecorder) RecordUserCreated() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
}

func (r *countingRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[key]
}

func receiveMessage(t testing.TB, stream <-chan realtime.Message) realtime.Message {
	t.Helper()
	select {
	case message, ok := <-stream:
		if !ok {
			t.Fatalf("change stream closed unexpectedly")
		}
		return message
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for change notification")
	}
	return realtime.Message{}
}
