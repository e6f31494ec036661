package database

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"careconnect-backend/consent"
	"careconnect-backend/ledger"
	"careconnect-backend/models"
	"careconnect-backend/tokens"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
)

type PostgresStoreTestSuite struct {
	suite.Suite
	dsn    string
	db     *gorm.DB
	tenant string
}

func (s *PostgresStoreTestSuite) SetupSuite() {
	logger, _ := test.NewNullLogger()
	db, err := Connect(s.dsn, logger)
	if err != nil {
		s.T().Fatalf("connect postgres with error: %s", err)
	}
	if err := Migrate(db); err != nil {
		s.T().Fatalf("migrate with error: %s", err)
	}
	s.db = db
}

func (s *PostgresStoreTestSuite) SetupTest() {
	// every test gets its own tenant and subject namespace
	s.tenant = "tenant-" + uuid.NewString()
}

func (s *PostgresStoreTestSuite) TestLedgerRoundTrip() {
	ctx := context.Background()
	l := ledger.New(NewLedgerStore(s.db))

	adm, err := l.Begin(ctx, s.tenant, "POST /v1/qr/links", "k1", []byte(`{"a":1}`))
	s.Require().NoError(err)
	s.Require().Equal(ledger.OutcomeNew, adm.Outcome)
	s.Require().NoError(adm.Commit(ctx, 201, []byte(`{"token":"t"}`)))

	replay, err := l.Begin(ctx, s.tenant, "POST /v1/qr/links", "k1", []byte(`{"a":1}`))
	s.Require().NoError(err)
	s.Equal(ledger.OutcomeReplay, replay.Outcome)
	s.Equal(201, replay.Record.StatusCode)
	s.Equal([]byte(`{"token":"t"}`), replay.Record.Body)

	_, err = l.Begin(ctx, s.tenant, "POST /v1/qr/links", "k1", []byte(`{"a":2}`))
	s.ErrorIs(err, ledger.ErrConflict)
}

func (s *PostgresStoreTestSuite) TestLedgerExpiredRowIsReplaced() {
	ctx := context.Background()
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	l := ledger.New(NewLedgerStore(s.db), ledger.WithTTL(time.Second), ledger.WithClock(clock))

	adm, err := l.Begin(ctx, s.tenant, "POST /x", "k", nil)
	s.Require().NoError(err)
	s.Require().NoError(adm.Commit(ctx, 200, []byte(`first`)))

	now = now.Add(2 * time.Second)
	adm, err = l.Begin(ctx, s.tenant, "POST /x", "k", []byte(`other`))
	s.Require().NoError(err)
	s.Require().Equal(ledger.OutcomeNew, adm.Outcome)
	s.Require().NoError(adm.Commit(ctx, 200, []byte(`second`)))

	rec, err := NewLedgerStore(s.db).Get(ctx, adm.Key)
	s.Require().NoError(err)
	s.Equal([]byte(`second`), rec.Body)
}

func (s *PostgresStoreTestSuite) TestLedgerClaimSpansReplicas() {
	ctx := context.Background()
	replicaA := ledger.New(NewLedgerStore(s.db))
	replicaB := ledger.New(NewLedgerStore(s.db))

	adm, err := replicaA.Begin(ctx, s.tenant, "POST /x", "k", []byte(`1`))
	s.Require().NoError(err)
	s.Require().Equal(ledger.OutcomeNew, adm.Outcome)

	_, err = replicaB.Begin(ctx, s.tenant, "POST /x", "k", []byte(`1`))
	s.ErrorIs(err, ledger.ErrInFlight)

	s.Require().NoError(adm.Commit(ctx, 201, []byte(`done`)))
	replay, err := replicaB.Begin(ctx, s.tenant, "POST /x", "k", []byte(`1`))
	s.Require().NoError(err)
	s.Equal(ledger.OutcomeReplay, replay.Outcome)
}

func (s *PostgresStoreTestSuite) TestConsentStore() {
	ctx := context.Background()
	gate := consent.NewGate(NewConsentStore(s.db))
	subject := "patient-" + uuid.NewString()

	grant := &models.ConsentGrant{
		SubjectID: subject,
		Scope:     models.Scope{"vitals", "medications"},
		Purpose:   "treatment",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	s.Require().NoError(gate.Store(ctx, grant))

	got, err := gate.Get(ctx, grant.ID)
	s.Require().NoError(err)
	s.Equal(models.Scope{"medications", "vitals"}, got.Scope)
	s.Nil(got.GranteeID)

	s.True(gate.Check(ctx, subject, "anyone", models.Scope{"vitals"}))
	s.False(gate.Check(ctx, subject, "anyone", models.Scope{"labs"}))

	_, err = gate.Revoke(ctx, grant.ID)
	s.Require().NoError(err)
	s.False(gate.Check(ctx, subject, "anyone", models.Scope{"vitals"}))

	_, err = gate.Get(ctx, "missing-"+uuid.NewString())
	s.ErrorIs(err, consent.ErrGrantNotFound)
}

func TestPostgresStoreTestSuite(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	suite.Run(t, &PostgresStoreTestSuite{dsn: dsn})
}

type RedisTokenStoreTestSuite struct {
	suite.Suite
	url    string
	client *redis.Client
}

func (s *RedisTokenStoreTestSuite) SetupSuite() {
	client, err := ConnectRedis(context.Background(), s.url)
	if err != nil {
		s.T().Fatalf("connect redis with error: %s", err)
	}
	s.client = client
}

func (s *RedisTokenStoreTestSuite) TearDownSuite() {
	_ = s.client.Close()
}

func (s *RedisTokenStoreTestSuite) TestConsumeOnce() {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	r := tokens.NewRegistry(NewTokenStore(s.client), tokens.WithLogger(logger), tokens.WithRenderer(tokens.URIRenderer{}))

	issued, err := r.Issue(ctx, "p1", models.Scope{"vitals"}, 60*time.Second)
	s.Require().NoError(err)

	ttl, err := s.client.TTL(ctx, tokenKeyPrefix+issued.Token).Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Duration(0))

	binding, err := r.Consume(ctx, issued.Token, "clinician-9")
	s.Require().NoError(err)
	s.Equal("p1", binding.ResourceID)

	_, err = r.Consume(ctx, issued.Token, "clinician-9")
	s.ErrorIs(err, tokens.ErrAlreadyConsumed)

	_, err = r.Consume(ctx, "missing-"+uuid.NewString(), "clinician-9")
	s.ErrorIs(err, tokens.ErrNotFound)
}

func (s *RedisTokenStoreTestSuite) TestConsumeOnceAcrossReplicas() {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	store := NewTokenStore(s.client)
	replicas := []*tokens.Registry{
		tokens.NewRegistry(store, tokens.WithLogger(logger), tokens.WithRenderer(tokens.URIRenderer{})),
		tokens.NewRegistry(NewTokenStore(s.client), tokens.WithLogger(logger), tokens.WithRenderer(tokens.URIRenderer{})),
	}
	issued, err := replicas[0].Issue(ctx, "p1", models.Scope{"vitals"}, 60*time.Second)
	s.Require().NoError(err)

	const callers = 8
	var (
		wg      sync.WaitGroup
		winners int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := replicas[i%2].Consume(ctx, issued.Token, "clinician-9"); err == nil {
				atomic.AddInt32(&winners, 1)
			}
		}(i)
	}
	wg.Wait()
	s.Equal(int32(1), winners)
}

func TestRedisTokenStoreTestSuite(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	suite.Run(t, &RedisTokenStoreTestSuite{url: url})
}
