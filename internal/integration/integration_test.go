package integration_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cobot-ai/sandbox-gateway/internal/api"
	"github.com/cobot-ai/sandbox-gateway/internal/heartbeat"
	"github.com/cobot-ai/sandbox-gateway/internal/lifecycle"
	"github.com/cobot-ai/sandbox-gateway/internal/process"
	"github.com/cobot-ai/sandbox-gateway/internal/ratelimit"
	"github.com/cobot-ai/sandbox-gateway/internal/reconciler"
	"github.com/cobot-ai/sandbox-gateway/internal/sandbox"
	"github.com/cobot-ai/sandbox-gateway/internal/storage"
	"github.com/cobot-ai/sandbox-gateway/internal/store"
	"github.com/cobot-ai/sandbox-gateway/internal/telegram"
)

const tableName = "sandbox-gateway-test"

// setupDynamoDB starts a DynamoDB Local container and returns a client + cleanup fn
func setupDynamoDB(ctx context.Context, t *testing.T) (*dynamodb.Client, func()) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "amazon/dynamodb-local:latest",
		ExposedPorts: []string{"8000/tcp"},
		Cmd:          []string{"-jar", "DynamoDBLocal.jar", "-inMemory"},
		WaitingFor:   wait.ForListeningPort("8000/tcp"),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, _ := c.Host(ctx)
	port, _ := c.MappedPort(ctx, "8000/tcp")
	endpoint := fmt.Sprintf("http://%s:%s", host, port.Port())

	cfg, _ := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	db := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	_, err = db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:            aws.String(tableName),
		KeySchema:            []dynamotypes.KeySchemaElement{{AttributeName: aws.String("pk"), KeyType: dynamotypes.KeyTypeHash}},
		AttributeDefinitions: []dynamotypes.AttributeDefinition{{AttributeName: aws.String("pk"), AttributeType: dynamotypes.ScalarAttributeTypeS}},
		BillingMode:          dynamotypes.BillingModePayPerRequest,
	})
	require.NoError(t, err)

	return db, func() { c.Terminate(ctx) }
}

// setupRedis starts a Redis container and returns a client + cleanup fn
func setupRedis(ctx context.Context, t *testing.T) (*redis.Client, func()) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, _ := c.Host(ctx)
	port, _ := c.MappedPort(ctx, "6379/tcp")

	rdb := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", host, port.Port()),
	})
	return rdb, func() { c.Terminate(ctx) }
}

// fakeTelegram is a stand-in Bot API recording webhook state transitions.
type fakeTelegram struct {
	mu      sync.Mutex
	srv     *httptest.Server
	methods []string
}

func newFakeTelegram() *fakeTelegram {
	f := &fakeTelegram{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		f.mu.Lock()
		f.methods = append(f.methods, parts[len(parts)-1])
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	return f
}

func (f *fakeTelegram) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func TestIntegration_DynamoStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	db, cleanDB := setupDynamoDB(ctx, t)
	defer cleanDB()

	st := store.New(db, tableName)

	cfg := &store.TenantConfig{
		TenantID:  "alpha",
		BotToken:  "123:abc",
		UserID:    "u-1",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, st.PutTenant(ctx, cfg))

	got, err := st.GetTenant(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "123:abc", got.BotToken)

	missing, err := st.GetTenant(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, st.PutRoutingKey(ctx, "u-1", "alpha"))
	mapped, err := st.ResolveRoutingKey(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", mapped)

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.RecordHeartbeat(ctx, "alpha", at))
	hb, err := st.GetHeartbeat(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, hb.Equal(at))

	zero, err := st.GetHeartbeat(ctx, "never")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
}

func TestIntegration_DynamoListPagination(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	db, cleanDB := setupDynamoDB(ctx, t)
	defer cleanDB()

	st := store.New(db, tableName)

	const n = 30
	for i := 0; i < n; i++ {
		require.NoError(t, st.PutTenant(ctx, &store.TenantConfig{
			TenantID:  fmt.Sprintf("tenant-%03d", i),
			CreatedAt: time.Now().UTC(),
		}))
		// Timestamp records share the table and must be filtered out of
		// tenant listings.
		require.NoError(t, st.RecordHeartbeat(ctx, fmt.Sprintf("tenant-%03d", i), time.Now()))
	}

	seen := map[string]int{}
	cursor := ""
	for {
		page, next, err := st.ListTenants(ctx, cursor, 10)
		require.NoError(t, err)
		for _, cfg := range page {
			seen[cfg.TenantID]++
		}
		if next == "" {
			break
		}
		cursor = next
	}

	require.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, "tenant %s listed exactly once", id)
	}
}

func TestIntegration_RedisRateLimiter(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	rdb, cleanRedis := setupRedis(ctx, t)
	defer cleanRedis()

	l := ratelimit.New(rdb, 3, time.Minute)
	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "tenant-a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, ok, "fourth callback in the window is rejected")

	ok, err = l.Allow(ctx, "tenant-b")
	require.NoError(t, err)
	assert.True(t, ok, "windows are per tenant")
}

// TestIntegration_WebhookWakeCycle drives the full wake path against the real
// store: callback on a sleeping tenant wakes it, a second callback sees the
// fresh heartbeat and only clears the webhook.
func TestIntegration_WebhookWakeCycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	db, cleanDB := setupDynamoDB(ctx, t)
	defer cleanDB()

	tgAPI := newFakeTelegram()
	defer tgAPI.srv.Close()

	st := store.New(db, tableName)
	hb := heartbeat.New(st)
	tg := telegram.New("https://gw.example.com", telegram.WithAPIBase(tgAPI.srv.URL))
	fake := sandbox.NewFake()
	procs := process.NewManager(fake)
	mounter := storage.New(fake, storage.Config{})
	lc := lifecycle.NewForTest(fake, procs, mounter, lifecycle.Config{})
	rec := reconciler.New(st, hb, tg, nil, heartbeat.DefaultThreshold, time.Minute)

	h := api.New(st, hb, tg, lc, fake, procs, mounter, ratelimit.NewMock(0), rec,
		nil, nil, nil, api.Config{AdminToken: "secret"})
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	require.NoError(t, st.PutTenant(ctx, &store.TenantConfig{
		TenantID: "alpha", BotToken: "123:abc", CreatedAt: time.Now().UTC(),
	}))

	// Cold callback: no gateway process anywhere, so this is a wake.
	resp, err := http.Post(srv.URL+"/webhook/alpha", "application/json",
		strings.NewReader(`{"update_id":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []string{"alpha"}, fake.EnsuredTenants, "sandbox brought up")
	assert.Contains(t, tgAPI.calls(), "deleteWebhook", "webhook cleared after wake")

	stored, err := st.GetHeartbeat(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, stored.IsZero(), "wake wrote a heartbeat")

	// Warm callback: the gateway process is up now, no second boot.
	resp, err = http.Post(srv.URL+"/webhook/alpha", "application/json",
		strings.NewReader(`{"update_id":2}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, fake.StartCalls, 1, "running tenant is not booted again")

	// Sweep right after: heartbeat fresh, nothing armed.
	results, err := rec.Sweep(ctx, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "skip (heartbeat fresh)", results[0].Action)
}
