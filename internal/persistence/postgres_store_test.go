package persistence

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/stepflow/internal/testutil"
	"github.com/petrijr/stepflow/pkg/api"
)

type PostgresStoreTestSuite struct {
	suite.Suite
	endpoint string
	store    *SQLStore
	events   *SQLEventStore
	db       *sql.DB
}

func TestPostgresStoreTestSuite(t *testing.T) {
	testsuite := new(PostgresStoreTestSuite)
	testsuite.endpoint = testutil.GetPostgresEndpoint(t)
	initTestPostgresStore(t, testsuite)
	suite.Run(t, testsuite)
}

func (p *PostgresStoreTestSuite) SetupTest() {
	p.truncate()
}

func (p *PostgresStoreTestSuite) truncate() {
	_, err := p.db.Exec(`TRUNCATE TABLE sf_filters, sf_configurations, sf_definitions, sf_trackers,
		sf_instances, sf_clicks, sf_leases, sf_events`)
	p.NoErrorf(err, "TRUNCATE failed %v", "formatted")
}

func initTestPostgresStore(t *testing.T, ts *PostgresStoreTestSuite) {
	t.Helper()

	db, err := sql.Open("pgx", ts.endpoint)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	ts.db = db

	store, err := NewPostgresStore(db)
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}
	ts.store = store

	events, err := NewPostgresEventStore(db)
	if err != nil {
		t.Fatalf("NewPostgresEventStore failed: %v", err)
	}
	ts.events = events
}

func (p *PostgresStoreTestSuite) TestContract() {
	testStoreContract(p.T(), func(t *testing.T) Store {
		p.truncate()
		return p.store
	})
}

func (p *PostgresStoreTestSuite) TestEvents() {
	ctx := context.Background()

	err := p.events.AppendEvent(ctx, api.StepEvent{TrackerID: "t1", Type: api.EventTrackerCreated})
	p.NoErrorf(err, "AppendEvent failed: %v", "formatted")
	err = p.events.AppendEvent(ctx, api.StepEvent{TrackerID: "t1", InstanceID: "i1", Type: api.EventInstanceDone})
	p.NoErrorf(err, "AppendEvent failed: %v", "formatted")

	got, err := p.events.ListEvents(ctx, "t1")
	p.NoErrorf(err, "ListEvents failed: %v", "formatted")
	p.Len(got, 2)
	p.Equal(api.EventInstanceDone, got[1].Type)
}
