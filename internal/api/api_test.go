package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/classifier"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/encoder"
	"github.com/opensource-finance/kestrel/internal/enrich"
	"github.com/opensource-finance/kestrel/internal/globalmodel"
	"github.com/opensource-finance/kestrel/internal/heuristics"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/identity"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/profiler"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type testEnv struct {
	server *Server
	repo   *repository.SQLRepository
	bus    *bus.ChannelBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	eventBus := bus.NewChannelBus(100, nil)
	t.Cleanup(func() { _ = eventBus.Close() })

	local, err := encoder.FromArtifact("local", encoder.Artifact{
		Label: map[string][]string{
			encoder.FeatureDeviceID:          {"phone-1"},
			encoder.FeaturePaymentInstrument: {"QR", "Card", "UPI"},
		},
	})
	require.NoError(t, err)
	store := &encoder.Store{Global: encoder.NewTable("global"), Local: local}

	model, err := classifier.New(classifier.Artifact{
		Type:         classifier.TypeLogistic,
		Features:     globalmodel.FeatureOrder,
		Intercept:    -3,
		Coefficients: make([]float64, len(globalmodel.FeatureOrder)),
	}, globalmodel.FeatureOrder)
	require.NoError(t, err)

	engine, err := rules.NewDefaultEngine(rules.DefaultMinHistory, nil, nil)
	require.NoError(t, err)

	deriver, err := enrich.NewDeriver(nil, "")
	require.NoError(t, err)

	p := pipeline.New(pipeline.Deps{
		History:    history.NewService(repo, false),
		Store:      store,
		Profiler:   profiler.New(store, "Card"),
		Global:     globalmodel.NewScorer(model, store.Global, nil),
		Heuristics: heuristics.NewChecker(identity.AllowAll{}, heuristics.DefaultLimitRatio, nil),
		Rules:      engine,
	})

	server := NewServer(
		domain.ServerConfig{Host: "localhost", Port: 8080, MaxBodyBytes: 4096},
		domain.MetricsConfig{Enabled: true, Path: "/metrics"},
		Deps{
			Repo:     repo,
			Cache:    cache.NewLRUCache(100),
			Bus:      eventBus,
			Pipeline: p,
			Deriver:  deriver,
			Encoders: store,
			Rules:    engine,
			Version:  "test-v1",
		},
	)
	return &testEnv{server: server, repo: repo, bus: eventBus}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) putProfile(t *testing.T, userID string, body map[string]any) {
	t.Helper()
	rr := e.do(t, http.MethodPut, "/profiles/"+userID, body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func (e *testEnv) subscribe(t *testing.T, topic string) <-chan *domain.Message {
	t.Helper()
	ch := make(chan *domain.Message, 10)
	_, err := e.bus.Subscribe(context.Background(), topic, func(_ context.Context, msg *domain.Message) error {
		ch <- msg
		return nil
	})
	require.NoError(t, err)
	return ch
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), rr.Body.String())
	return resp
}

func scoreBody(userID string, amount string) map[string]any {
	return map[string]any{
		"userId":          userID,
		"amount":          amount,
		"transactionType": "P2P",
		"paymentMethod":   "UPI",
		"beneficiaryId":   "grocer@upi",
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"healthy","version":"test-v1"}`, rr.Body.String())

	rr = env.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestProfileEndpoints(t *testing.T) {
	env := newTestEnv(t)

	t.Run("PutAndGet", func(t *testing.T) {
		env.putProfile(t, "u1", map[string]any{
			"payerId":          "u1@upi",
			"country":          "India",
			"transactionLimit": "10000",
			"email":            "u1@example.com",
		})

		rr := env.do(t, http.MethodGet, "/profiles/u1", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var p domain.Profile
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
		assert.Equal(t, "u1@upi", p.PayerID)
		require.NotNil(t, p.TransactionLimit)
		assert.True(t, p.TransactionLimit.Equal(decimal.NewFromInt(10000)))
	})

	t.Run("MissingPayer", func(t *testing.T) {
		rr := env.do(t, http.MethodPut, "/profiles/u2", map[string]any{"country": "India"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "invalid_request", decodeError(t, rr).Code)
	})

	t.Run("InvalidEmail", func(t *testing.T) {
		rr := env.do(t, http.MethodPut, "/profiles/u2", map[string]any{"payerId": "p", "email": "nope"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("NegativeLimit", func(t *testing.T) {
		rr := env.do(t, http.MethodPut, "/profiles/u2", map[string]any{"payerId": "p", "transactionLimit": "-5"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("NotFound", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/profiles/ghost", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "profile_not_found", decodeError(t, rr).Code)
	})
}

func TestScoreEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.putProfile(t, "u1", map[string]any{"payerId": "u1@upi", "country": "India"})

	t.Run("Success", func(t *testing.T) {
		verdicts := env.subscribe(t, domain.TopicVerdict)

		rr := env.do(t, http.MethodPost, "/score", scoreBody("u1", "450.00"),
			"X-Device-ID", "phone-1",
			"X-Forwarded-For", "49.36.1.2, 10.0.0.1",
		)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var raw map[string]any
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &raw))
		for _, key := range []string{"global_score", "layer2_score", "layer2_rules", "layer3_score", "rules_triggered", "final_score", "final_prediction", "txId"} {
			assert.Contains(t, raw, key)
		}

		var v domain.FraudVerdict
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
		assert.False(t, v.Prediction)
		assert.NotEmpty(t, v.Metadata.TraceID)

		tx, err := env.repo.GetTransaction(context.Background(), v.TxID)
		require.NoError(t, err)
		assert.Equal(t, "phone-1", tx.DeviceID)
		assert.Equal(t, "49.36.1.2", tx.IPAddress)
		assert.Equal(t, "u1@upi", tx.PayerID)
		assert.Equal(t, enrich.DefaultInitiationMode, tx.InitiationMode)
		require.NotNil(t, tx.IsFraud)
		assert.False(t, *tx.IsFraud)

		select {
		case msg := <-verdicts:
			assert.Contains(t, string(msg.Payload), v.TxID)
		case <-time.After(2 * time.Second):
			t.Fatal("verdict not published")
		}
	})

	t.Run("UnknownUser", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/score", scoreBody("ghost", "10"))
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "profile_not_found", decodeError(t, rr).Code)
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/score", "{not json")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "invalid_json", decodeError(t, rr).Code)
	})

	t.Run("MissingBeneficiary", func(t *testing.T) {
		body := scoreBody("u1", "10")
		delete(body, "beneficiaryId")
		rr := env.do(t, http.MethodPost, "/score", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, decodeError(t, rr).Error, "BeneficiaryID")
	})

	t.Run("NonPositiveAmount", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/score", scoreBody("u1", "0"))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("PartialLocation", func(t *testing.T) {
		body := scoreBody("u1", "10")
		body["latitude"] = 19.07
		rr := env.do(t, http.MethodPost, "/score", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("BodyTooLarge", func(t *testing.T) {
		body := scoreBody("u1", "10")
		body["city"] = strings.Repeat("x", 8192)
		rr := env.do(t, http.MethodPost, "/score", body)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})
}

func TestScoreLimitExceededPublishesStepUp(t *testing.T) {
	env := newTestEnv(t)
	env.putProfile(t, "u9", map[string]any{
		"payerId":          "u9@upi",
		"transactionLimit": "1000",
		"email":            "u9@example.com",
	})
	stepUps := env.subscribe(t, domain.TopicStepUp)

	rr := env.do(t, http.MethodPost, "/score", scoreBody("u9", "2000"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var v domain.FraudVerdict
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	assert.True(t, v.Prediction)
	assert.True(t, v.Suspicious)
	assert.Contains(t, v.HeuristicRules, heuristics.LabelLimitExceeded)

	select {
	case msg := <-stepUps:
		var ev domain.StepUpEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, v.TxID, ev.TxID)
		assert.Equal(t, "u9@example.com", ev.Email)
	case <-time.After(2 * time.Second):
		t.Fatal("step-up not published")
	}
}

// A user with a steady history of small grocer payments gets flagged for
// an extreme amount once behavioral rules are active.
func TestScoreBehavioralAnomalyEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.putProfile(t, "u1", map[string]any{"payerId": "u1@upi"})

	ctx := context.Background()
	start := time.Now().UTC().Add(-48 * time.Hour)
	for i := range 15 {
		require.NoError(t, env.repo.SaveTransaction(ctx, &domain.Transaction{
			ID:                fmt.Sprintf("hist-%02d", i),
			UserID:            "u1",
			Amount:            decimal.NewFromInt(int64(490 + (i%3)*10)),
			PaymentInstrument: "UPI",
			PayerID:           "u1@upi",
			BeneficiaryID:     "grocer@upi",
			DeviceID:          "phone-1",
			CreatedAt:         start.Add(time.Duration(i) * time.Hour),
		}))
	}

	rr := env.do(t, http.MethodPost, "/score", scoreBody("u1", "495"), "X-Device-ID", "phone-1")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var normal domain.FraudVerdict
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &normal))
	assert.False(t, normal.Prediction)
	assert.Equal(t, 15, normal.Metadata.HistoryLen)

	rr = env.do(t, http.MethodPost, "/score", scoreBody("u1", "50000"), "X-Device-ID", "phone-1")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var extreme domain.FraudVerdict
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &extreme))
	assert.True(t, extreme.Prediction)
	assert.True(t, extreme.Anomaly)
	assert.Contains(t, extreme.BehaviorRules, rules.LabelExtremeAmount)

	rr = env.do(t, http.MethodGet, "/users/u1/baseline", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats domain.UserBehaviorStats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 17, stats.HistoryLen)
}

func TestIngestEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.putProfile(t, "u1", map[string]any{"payerId": "u1@upi"})
	ingested := env.subscribe(t, domain.TopicTransactionIngested)

	rr := env.do(t, http.MethodPost, "/transactions", scoreBody("u1", "75"))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp.Status)

	select {
	case msg := <-ingested:
		var in worker.IngestedMessage
		require.NoError(t, json.Unmarshal(msg.Payload, &in))
		assert.Equal(t, resp.TxID, in.TxID)
	case <-time.After(2 * time.Second):
		t.Fatal("transaction not enqueued")
	}

	rr = env.do(t, http.MethodGet, "/transactions/"+resp.TxID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var tx domain.Transaction
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tx))
	assert.Nil(t, tx.IsFraud, "verdict is written by the worker")
}

func TestGetTransactionNotFound(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/transactions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "transaction_not_found", decodeError(t, rr).Code)
}

func TestBaselineBadTimestamp(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/users/u1/baseline?asOf=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEncodersAndRules(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/encoders", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var enc map[string][]encoder.FeatureInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &enc))
	assert.Len(t, enc["local"], 2)
	assert.Empty(t, enc["global"])

	rr = env.do(t, http.MethodGet, "/rules", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"count":5`)
}

func TestMiddleware(t *testing.T) {
	env := newTestEnv(t)

	t.Run("CORSPreflight", func(t *testing.T) {
		rr := env.do(t, http.MethodOptions, "/score", nil, "Origin", "https://bank.example")
		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Equal(t, "https://bank.example", rr.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("CORSUnlistedOrigin", func(t *testing.T) {
		h := CORSMiddleware([]string{"https://bank.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://evil.example")
		h.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("RequestIDEcho", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/health", nil, RequestIDHeader, "req-123")
		assert.Equal(t, "req-123", rr.Header().Get(RequestIDHeader))
		assert.NotEmpty(t, rr.Header().Get(TraceIDHeader))
	})

	t.Run("UpstreamTraceContinued", func(t *testing.T) {
		prev := otel.GetTextMapPropagator()
		otel.SetTextMapPropagator(propagation.TraceContext{})
		t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

		rr := env.do(t, http.MethodGet, "/health", nil,
			"traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
		assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rr.Header().Get(TraceIDHeader))
	})

	t.Run("Metrics", func(t *testing.T) {
		env.do(t, http.MethodGet, "/health", nil)
		rr := env.do(t, http.MethodGet, "/metrics", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "kestrel_http_requests_total")
	})

	t.Run("Recover", func(t *testing.T) {
		h := RecoverMiddleware(env.server.Handler().logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Equal(t, "internal", decodeError(t, rr).Code)
	})
}
