package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/auth"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/database"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/gateway"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/generator"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/ideas"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/server"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/usage"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	integrationSecret = "integration-secret"
	integrationUserID = "user-abc"
	jsonContentType   = "application/json"
)

type cannedGenerator struct{}

func (cannedGenerator) GenerateIdea(_ context.Context, request generator.IdeaRequest) (generator.Idea, error) {
	return generator.Idea{
		Title:     "Blockchain Toaster " + request.Date.String(),
		Pitch:     "Every slice is a transaction.",
		FatalFlaw: "Bread is not a ledger.",
		Verdict:   "Doomed.",
	}, nil
}

type cannedAI struct{}

func (cannedAI) RoastIdea(_ context.Context, idea string) (string, error) {
	return "Nobody wants " + idea, nil
}

func (cannedAI) StreamAdvice(context.Context, []generator.ChatTurn, string) (generator.TextStream, error) {
	return nil, fmt.Errorf("advisor not used in this test")
}

type sseEvent struct {
	name string
	data string
}

func TestIdeaRoastAndQuotaFeedFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := database.OpenSQLite("file:server_integration?mode=memory&cache=shared", logger)
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	ideaService, err := ideas.NewService(ideas.ServiceConfig{Database: db, Generator: cannedGenerator{}, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build idea service: %v", err)
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build profile service: %v", err)
	}
	ledger, err := usage.NewGormLedger(usage.GormLedgerConfig{Database: db, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build ledger: %v", err)
	}
	dispatcher := server.NewRealtimeDispatcher()
	rateGateway, err := gateway.New(gateway.Config{Ledger: ledger, Publisher: dispatcher, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build gateway: %v", err)
	}
	verifier, err := auth.NewVerifier(auth.VerifierConfig{SigningSecret: []byte(integrationSecret)})
	if err != nil {
		testContext.Fatalf("failed to build verifier: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(integrationSecret)})
	if err != nil {
		testContext.Fatalf("failed to build issuer: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Ideas:    ideaService,
		Verifier: verifier,
		Profiles: profiles,
		Gateway:  rateGateway,
		Roaster:  cannedAI{},
		Advisor:  cannedAI{},
		Realtime: dispatcher,
		Logger:   logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	first := fetchIdea(testContext, testServer.URL)
	second := fetchIdea(testContext, testServer.URL)
	if first.IssueNumber != 1 || first.Cached {
		testContext.Fatalf("expected freshly generated issue 1, got %+v", first)
	}
	if second.Title != first.Title || !second.Cached {
		testContext.Fatalf("expected stored idea on second read, got %+v", second)
	}

	token, _, err := issuer.IssueToken(context.Background(), integrationUserID, "abc@example.com")
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}

	streamContext, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	events := openQuotaFeed(testContext, streamContext, testServer.URL, token)

	initial := map[string]bool{}
	for len(initial) < 2 {
		event := nextEvent(testContext, events)
		if event.name != server.RealtimeEventQuota {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(event.data), &payload); err != nil {
			testContext.Fatalf("invalid snapshot payload %q: %v", event.data, err)
		}
		initial[payload["feature"].(string)] = true
	}

	roastBody, _ := json.Marshal(map[string]string{"idea": "a social network for plants"})
	request, _ := http.NewRequest(http.MethodPost, testServer.URL+"/roast", bytes.NewReader(roastBody))
	request.Header.Set("Content-Type", jsonContentType)
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("roast request failed: %v", err)
	}
	responseBody, _ := io.ReadAll(response.Body)
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("expected roast 200, got %d: %s", response.StatusCode, responseBody)
	}

	for {
		event := nextEvent(testContext, events)
		if event.name != server.RealtimeEventQuota {
			continue
		}
		var payload struct {
			Feature   string `json:"feature"`
			Remaining int    `json:"remaining"`
		}
		if err := json.Unmarshal([]byte(event.data), &payload); err != nil {
			testContext.Fatalf("invalid quota payload %q: %v", event.data, err)
		}
		if payload.Feature == string(usage.FeatureRoast) && payload.Remaining == 2 {
			break
		}
	}

	var profile users.Profile
	if err := db.Where("user_id = ?", integrationUserID).Take(&profile).Error; err != nil {
		testContext.Fatalf("expected profile to be recorded: %v", err)
	}
	if profile.Email != "abc@example.com" {
		testContext.Fatalf("unexpected profile email %q", profile.Email)
	}
}

func fetchIdea(testContext *testing.T, baseURL string) ideas.Record {
	testContext.Helper()
	response, err := http.Get(baseURL + "/idea")
	if err != nil {
		testContext.Fatalf("idea request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("expected 200, got %d", response.StatusCode)
	}
	var record ideas.Record
	if err := json.NewDecoder(response.Body).Decode(&record); err != nil {
		testContext.Fatalf("failed to decode idea: %v", err)
	}
	return record
}

func openQuotaFeed(testContext *testing.T, ctx context.Context, baseURL, token string) <-chan sseEvent {
	testContext.Helper()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/usage/events?access_token="+token, nil)
	if err != nil {
		testContext.Fatalf("failed to build stream request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("stream request failed: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		testContext.Fatalf("expected stream 200, got %d", response.StatusCode)
	}

	events := make(chan sseEvent, 16)
	go func() {
		defer close(events)
		defer response.Body.Close()
		scanner := bufio.NewScanner(response.Body)
		var current sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if current.name != "" || current.data != "" {
					events <- current
				}
				current = sseEvent{}
			case strings.HasPrefix(line, "event: "):
				current.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				current.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return events
}

func nextEvent(testContext *testing.T, events <-chan sseEvent) sseEvent {
	testContext.Helper()
	select {
	case event, ok := <-events:
		if !ok {
			testContext.Fatalf("event stream closed unexpectedly")
		}
		return event
	case <-time.After(3 * time.Second):
		testContext.Fatalf("timed out waiting for event")
	}
	return sseEvent{}
}
