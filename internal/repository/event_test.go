package repository

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/candy-vending/internal/errors"
	"github.com/wfunc/candy-vending/internal/models"
	"github.com/wfunc/candy-vending/internal/vending"
	"gorm.io/gorm"
)

// EventRepositoryTestSuite 售货流水仓储测试套件
type EventRepositoryTestSuite struct {
	suite.Suite
	db   *gorm.DB
	repo EventRepository
	base time.Time
}

func (suite *EventRepositoryTestSuite) SetupSuite() {
	suite.db = SetupTestDB()
	suite.repo = NewEventRepository(suite.db)
	suite.base = time.Date(2024, 2, 14, 9, 0, 0, 0, time.UTC)
}

func (suite *EventRepositoryTestSuite) TearDownSuite() {
	CleanupTestDB(suite.db)
}

func (suite *EventRepositoryTestSuite) SetupTest() {
	suite.db.Exec("DELETE FROM vend_events")
}

func (suite *EventRepositoryTestSuite) seed() {
	events := []*models.VendEvent{
		{Type: "deposit", CreditsBefore: 0, CreditsAfter: 1, OccurredAt: suite.base},
		{Type: "dispense", SlotID: 1, CreditsBefore: 1, CreditsAfter: 0, DurationMs: 2000, OccurredAt: suite.base.Add(time.Minute)},
		{Type: "dispense_rejected", SlotID: 2, ErrorCode: int(errors.ErrInsufficientCredit), OccurredAt: suite.base.Add(2 * time.Minute)},
		{Type: "deposit", CreditsBefore: 0, CreditsAfter: 1, OccurredAt: suite.base.Add(3 * time.Minute)},
	}
	suite.Require().NoError(suite.repo.BatchCreate(context.Background(), events))
}

// TestCreate 测试写入流水
func (suite *EventRepositoryTestSuite) TestCreate() {
	event := &models.VendEvent{Type: "simulated_deposit", CreditsAfter: 1, OccurredAt: suite.base}
	err := suite.repo.Create(context.Background(), event)
	assert.NoError(suite.T(), err)
	assert.NotZero(suite.T(), event.ID)
}

// TestRecentOrdering 测试倒序分页
func (suite *EventRepositoryTestSuite) TestRecentOrdering() {
	suite.seed()

	query := &EventQuery{Pagination: NewPagination(1, 2)}
	events, err := suite.repo.Recent(context.Background(), query)
	suite.Require().NoError(err)
	suite.Require().Len(events, 2)
	assert.Equal(suite.T(), "deposit", events[0].Type)
	assert.Equal(suite.T(), "dispense_rejected", events[1].Type)
	assert.Equal(suite.T(), int64(4), query.Pagination.Total)
}

// TestRecentFilters 测试过滤条件
func (suite *EventRepositoryTestSuite) TestRecentFilters() {
	suite.seed()

	slot := 1
	events, err := suite.repo.Recent(context.Background(), &EventQuery{SlotID: &slot})
	suite.Require().NoError(err)
	suite.Require().Len(events, 1)
	assert.Equal(suite.T(), int64(2000), events[0].DurationMs)

	events, err = suite.repo.Recent(context.Background(), &EventQuery{Type: "deposit", Since: suite.base.Add(time.Minute)})
	suite.Require().NoError(err)
	assert.Len(suite.T(), events, 1)
}

// TestCountByType 测试按类型统计
func (suite *EventRepositoryTestSuite) TestCountByType() {
	suite.seed()

	counts, err := suite.repo.CountByType(context.Background(), suite.base)
	suite.Require().NoError(err)
	assert.Equal(suite.T(), int64(2), counts["deposit"])
	assert.Equal(suite.T(), int64(1), counts["dispense"])
	assert.Equal(suite.T(), int64(1), counts["dispense_rejected"])
}

// TestCleanupOlderThan 测试清理
func (suite *EventRepositoryTestSuite) TestCleanupOlderThan() {
	suite.seed()

	n, err := suite.repo.CleanupOlderThan(context.Background(), suite.base.Add(90*time.Second))
	suite.Require().NoError(err)
	assert.Equal(suite.T(), int64(2), n)

	events, err := suite.repo.Recent(context.Background(), nil)
	suite.Require().NoError(err)
	assert.Len(suite.T(), events, 2)
}

// TestAsyncRecorder 测试异步写入
func (suite *EventRepositoryTestSuite) TestAsyncRecorder() {
	rec := NewAsyncRecorder(suite.repo, "simulated", 16, nil)

	rec.Record(vending.Event{Type: vending.EventSimulatedDeposit, CreditsAfter: 1, At: suite.base})
	rec.Record(vending.Event{
		Type:          vending.EventDispenseFailed,
		SlotID:        1,
		Channel:       0,
		CreditsBefore: 1,
		CreditsAfter:  1,
		Duration:      30 * time.Millisecond,
		Code:          errors.ErrHardwareFault,
		Detail:        "i2c bus error",
		At:            suite.base.Add(time.Second),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	suite.Require().NoError(rec.Close(ctx))
	assert.Equal(suite.T(), uint64(2), rec.Written())

	// 关闭后的事件被忽略
	rec.Record(vending.Event{Type: vending.EventDeposit, At: suite.base})

	events, err := suite.repo.Recent(context.Background(), nil)
	suite.Require().NoError(err)
	suite.Require().Len(events, 2)
	failed := events[0]
	assert.Equal(suite.T(), "dispense_failed", failed.Type)
	assert.Equal(suite.T(), int(errors.ErrHardwareFault), failed.ErrorCode)
	assert.Equal(suite.T(), int64(30), failed.DurationMs)
	assert.Equal(suite.T(), "simulated", failed.Driver)
}

func TestEventRepositorySuite(t *testing.T) {
	suite.Run(t, new(EventRepositoryTestSuite))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "糖", truncate("糖果", 4))
	assert.Equal(t, "糖果", truncate("糖果", 6))
	assert.Equal(t, "", truncate("糖果", 2))
	assert.Equal(t, "abc", truncate("abcdef", 3))

	// 512字节边界落在汉字中间
	detail := "x" + strings.Repeat("电机堵转", 200)
	cut := truncate(detail, 512)
	assert.True(t, utf8.ValidString(cut))
	assert.LessOrEqual(t, len(cut), 512)
	assert.Greater(t, len(cut), 509)
}
