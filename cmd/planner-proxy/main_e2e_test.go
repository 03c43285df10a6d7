package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/efficientgo/core/testutil"
	"github.com/go-kit/log"
	"go.uber.org/goleak"

	graphmock "github.com/openshift/planner-proxy/pkg/graph/mock"
	idpmock "github.com/openshift/planner-proxy/pkg/identity/mock"
)

const (
	testClientID     = "11111111-2222-3333-4444-555555555555"
	testClientSecret = "secret"
	testAudience     = "api://11111111-2222-3333-4444-555555555555"
)

func setTestDefaultOpts() *Options {
	opts := defaultOpts()
	opts.Logger = log.NewNopLogger()
	opts.LogLevel = "error"
	opts.ClientID = testClientID
	opts.ClientSecret = testClientSecret
	opts.TracingEndpointType = "agent"
	return opts
}

func get(t *testing.T, c *http.Client, url string, header http.Header) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	testutil.Ok(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.Do(req)
	testutil.Ok(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	testutil.Ok(t, err)
	return resp, body
}

func TestPlannerProxy(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := log.NewNopLogger()

	idpMux := http.NewServeMux()
	idpServer := httptest.NewServer(idpMux)
	defer idpServer.Close()

	idp, err := idpmock.New(logger, idpServer.URL, idpmock.Config{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		Audience:     testAudience,
	})
	testutil.Ok(t, err)
	idpMux.Handle("/", idp.Handler())

	p := graphmock.NewPlanner()
	p.Authorize = idp.Authorized
	p.AddPlan(graphmock.Plan{ID: "P1", Title: "Roadmap", Owner: "G1"})
	p.AddGroup(graphmock.Group{ID: "G1", DisplayName: "Team"})
	graphServer := httptest.NewServer(p.Handler())
	defer graphServer.Close()

	ext, err := net.Listen("tcp", "127.0.0.1:0")
	testutil.Ok(t, err)
	internal, err := net.Listen("tcp", "127.0.0.1:0")
	testutil.Ok(t, err)

	externalURL := "http://" + ext.Addr().String()
	internalURL := "http://" + internal.Addr().String()

	opts := setTestDefaultOpts()
	opts.IssuerURL = idp.Issuer()
	opts.RedirectURI = externalURL + "/auth/callback"
	opts.GraphURL = graphServer.URL
	opts.DebugSessions = true

	var wg sync.WaitGroup
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := opts.Run(ctx, ext, internal); !errors.Is(err, context.Canceled) {
			t.Error(err)
		}
	}()

	tr := &http.Transport{}
	defer tr.CloseIdleConnections()
	client := &http.Client{
		Transport: tr,
		Timeout:   10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	// Wait for server to start by pinging it.
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)

		res, err := client.Get(externalURL + "/")
		if err != nil {
			fmt.Println("Waiting for server to start...", err)
			continue
		}
		res.Body.Close()
		if res.StatusCode == http.StatusOK {
			break
		}
	}

	var state string
	t.Run("sign in", func(t *testing.T) {
		resp, _ := get(t, client, externalURL+"/login", nil)
		testutil.Equals(t, http.StatusFound, resp.StatusCode)
		resp, _ = get(t, client, resp.Header.Get("Location"), nil)
		testutil.Equals(t, http.StatusFound, resp.StatusCode)
		resp, body := get(t, client, resp.Header.Get("Location"), nil)
		testutil.Equals(t, http.StatusOK, resp.StatusCode, string(body))

		var out struct {
			State string `json:"state"`
		}
		testutil.Ok(t, json.Unmarshal(body, &out))
		state = out.State
		testutil.Assert(t, state != "", "expected a correlation token")
	})

	t.Run("plans with correlation token", func(t *testing.T) {
		resp, body := get(t, client, externalURL+"/api/plans?state="+state, nil)
		testutil.Equals(t, http.StatusOK, resp.StatusCode, string(body))
		testutil.Assert(t, strings.Contains(string(body), `"P1"`), "unexpected plans %s", body)
	})

	t.Run("groups on behalf of", func(t *testing.T) {
		token, err := idp.IssueToken(time.Hour)
		testutil.Ok(t, err)
		resp, body := get(t, client, externalURL+"/api/groups", http.Header{"Authorization": {"Bearer " + token}})
		testutil.Equals(t, http.StatusOK, resp.StatusCode, string(body))
		testutil.Assert(t, strings.Contains(string(body), `"G1"`), "unexpected groups %s", body)
	})

	t.Run("debug states", func(t *testing.T) {
		resp, body := get(t, client, internalURL+"/debug/states", nil)
		testutil.Equals(t, http.StatusOK, resp.StatusCode)
		testutil.Equals(t, fmt.Sprintf("{\"states\":[%q]}\n", state), string(body))

		resp, _ = get(t, client, externalURL+"/debug/states", nil)
		testutil.Equals(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, body := get(t, client, internalURL+"/metrics", nil)
		testutil.Equals(t, http.StatusOK, resp.StatusCode)
		for _, name := range []string{
			`session_store_operations_total{operation="put",result="success"}`,
			`client_api_requests_total{client="graph"`,
			`client_api_requests_total{client="oidc"`,
			`http_requests_total{code="200",handler="list_plans",method="get"}`,
		} {
			testutil.Assert(t, strings.Contains(string(body), name), "expected %s in metrics", name)
		}
	})
}
