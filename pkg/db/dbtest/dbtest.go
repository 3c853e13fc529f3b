// Package dbtest opens throwaway sqlite databases carrying the lifecycle schema.
package dbtest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/db/models"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/enums"
)

// Open returns an isolated in-memory database migrated with the lifecycle models.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared&_busy_timeout=5000", name, uuid.NewString()[:8])
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.AutoMigrate(&models.SubscriptionPlan{}, &models.Subscription{}, &models.Professional{}); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return conn
}

// Plan inserts a catalog plan.
func Plan(t testing.TB, conn *gorm.DB, slug, price string, isTrial bool, trialDays *int) models.SubscriptionPlan {
	t.Helper()
	plan := models.SubscriptionPlan{
		ID:                 uuid.New(),
		Name:               strings.ToUpper(slug[:1]) + slug[1:],
		Slug:               slug,
		Price:              decimal.RequireFromString(price),
		CanManageSchedule:  !isTrial,
		CanReceiveBookings: true,
		TrialDays:          trialDays,
		IsTrial:            isTrial,
		IsActive:           true,
	}
	if err := conn.Create(&plan).Error; err != nil {
		t.Fatalf("create plan %s: %v", slug, err)
	}
	return plan
}

// Professional inserts a user row notifications can be addressed to.
func Professional(t testing.TB, conn *gorm.DB, name, email string) models.Professional {
	t.Helper()
	pro := models.Professional{ID: uuid.New(), Name: name, Email: email, IsActive: true}
	if err := conn.Create(&pro).Error; err != nil {
		t.Fatalf("create professional: %v", err)
	}
	return pro
}

// Subscription inserts a subscription for plan, applying mutate before the insert.
func Subscription(t testing.TB, conn *gorm.DB, professionalID uuid.UUID, plan models.SubscriptionPlan, status enums.SubscriptionStatus, mutate func(*models.Subscription)) models.Subscription {
	t.Helper()
	sub := models.Subscription{
		ID:             uuid.New(),
		ProfessionalID: professionalID,
		PlanID:         plan.ID,
		Status:         status,
		PlanAmount:     plan.Price,
		Version:        1,
	}
	if mutate != nil {
		mutate(&sub)
	}
	if err := conn.Omit("Plan").Create(&sub).Error; err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

// Reload reads the subscription back from the database.
func Reload(t testing.TB, conn *gorm.DB, id uuid.UUID) models.Subscription {
	t.Helper()
	var sub models.Subscription
	if err := conn.Where("id = ?", id).First(&sub).Error; err != nil {
		t.Fatalf("reload subscription %s: %v", id, err)
	}
	return sub
}

// Date is a shorthand for calendar dates in tests.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }
