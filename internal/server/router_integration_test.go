package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/p2panda/node/internal/auth"
	"github.com/p2panda/node/internal/bamboo"
	"github.com/p2panda/node/internal/database"
	"github.com/p2panda/node/internal/materializer"
	"github.com/p2panda/node/internal/message"
	"github.com/p2panda/node/internal/pandatest"
	"github.com/p2panda/node/internal/publish"
	"github.com/p2panda/node/internal/schema"
	"github.com/p2panda/node/internal/store"
)

var chatDefinition = schema.Definition{
	Name:        "chat",
	Description: "short messages",
	Fields: []schema.FieldDefinition{
		{Name: "message", Kind: message.KindText, Required: true},
	},
}

type testNode struct {
	server       *httptest.Server
	registry     *schema.Registry
	materializer *materializer.Materializer
	worker       *materializer.Worker
	tokens       *auth.TokenIssuer
	chat         schema.Resolved
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db := pandatest.OpenDatabase(t, database.Models()...)
	entryStore, err := store.NewStore(store.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	registry, err := schema.NewRegistry(schema.RegistryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build schema registry: %v", err)
	}
	chat, err := registry.Register(ctx, chatDefinition)
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}
	projections, err := materializer.New(materializer.Config{Database: db, Schemas: registry, Entries: entryStore})
	if err != nil {
		t.Fatalf("failed to build materializer: %v", err)
	}
	worker, err := materializer.NewWorker(materializer.WorkerConfig{Queue: entryStore, Materializer: projections})
	if err != nil {
		t.Fatalf("failed to build worker: %v", err)
	}
	dispatcher := NewRealtimeDispatcher()
	publisher, err := publish.NewService(publish.ServiceConfig{
		Store:     entryStore,
		Listeners: []publish.Listener{dispatcher, worker},
	})
	if err != nil {
		t.Fatalf("failed to build publisher: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Publisher:   publisher,
		Documents:   projections,
		Schemas:     registry,
		Projections: projections,
		Tokens:      tokens,
		Realtime:    dispatcher,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testNode{
		server:       server,
		registry:     registry,
		materializer: projections,
		worker:       worker,
		tokens:       tokens,
		chat:         chat,
	}
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    *struct {
			Reason string `json:"reason"`
		} `json:"data"`
	} `json:"error"`
	ID any `json:"id"`
}

func (n *testNode) rawRPC(t *testing.T, body string) rpcEnvelope {
	t.Helper()
	response, err := http.Post(n.server.URL+"/rpc", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("rpc request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected rpc status: %d", response.StatusCode)
	}
	var envelope rpcEnvelope
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode rpc response: %v", err)
	}
	return envelope
}

func (n *testNode) call(t *testing.T, method string, params any) rpcEnvelope {
	t.Helper()
	body, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": method, "params": params})
	if err != nil {
		t.Fatalf("failed to encode rpc request: %v", err)
	}
	return n.rawRPC(t, string(body))
}

func (n *testNode) arguments(t *testing.T, envelope rpcEnvelope) entryArgumentsResult {
	t.Helper()
	if envelope.Error != nil {
		t.Fatalf("unexpected rpc error: %d %s", envelope.Error.Code, envelope.Error.Message)
	}
	var result entryArgumentsResult
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		t.Fatalf("failed to decode arguments: %v", err)
	}
	return result
}

func (n *testNode) publishChat(t *testing.T, log *pandatest.Log, text string) (bamboo.SignedEntry, entryArgumentsResult) {
	t.Helper()
	encoded := pandatest.Create(t, n.chat.ID, message.Fields{"message": message.TextValue(text)})
	entry := log.Append(t, encoded.Bytes())
	envelope := n.call(t, methodPublishEntry, publishEntryParams{EntryEncoded: entry.Hex(), MessageEncoded: encoded.Hex()})
	return entry, n.arguments(t, envelope)
}

func (n *testNode) get(t *testing.T, path, token string) (*http.Response, []byte) {
	t.Helper()
	return n.do(t, http.MethodGet, path, token, nil)
}

func (n *testNode) do(t *testing.T, method, path, token string, body []byte) (*http.Response, []byte) {
	t.Helper()
	request, err := http.NewRequest(method, n.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	var buffer bytes.Buffer
	if _, err := buffer.ReadFrom(response.Body); err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return response, buffer.Bytes()
}

func hashPointer(hash bamboo.Hash) *string {
	value := hash.String()
	return &value
}

func equalOptional(left, right *string) bool {
	if left == nil || right == nil {
		return left == right
	}
	return *left == *right
}

func TestRPCPublishesChainAndReportsArguments(t *testing.T) {
	node := newTestNode(t)
	author := pandatest.NewAuthor(t)

	first := node.call(t, methodGetEntryArguments, entryArgumentsParams{Author: author.ID().String(), Schema: node.chat.ID.String()})
	if !bytes.Contains(first.Result, []byte(`"entryHashSkiplink":null`)) || !bytes.Contains(first.Result, []byte(`"entryHashBacklink":null`)) {
		t.Fatalf("expected explicit null links, got %s", first.Result)
	}
	arguments := node.arguments(t, first)
	if arguments.SeqNum != 1 || arguments.LogID != 1 {
		t.Fatalf("unexpected first arguments %+v", arguments)
	}

	log := author.Log(bamboo.LogID(arguments.LogID))
	var entries []bamboo.SignedEntry
	expectedSkiplinks := map[int]*int{1: nil, 2: nil, 3: intPointer(1), 4: nil}
	for index := 1; index <= 4; index++ {
		entry, next := node.publishChat(t, log, "message")
		entries = append(entries, entry)

		if next.SeqNum != uint64(index+1) || next.LogID != arguments.LogID {
			t.Fatalf("unexpected position after entry %d: %+v", index, next)
		}
		if !equalOptional(next.EntryHashBacklink, hashPointer(entry.Hash())) {
			t.Fatalf("expected backlink to entry %d", index)
		}
		var expectedSkiplink *string
		if position := expectedSkiplinks[index]; position != nil {
			expectedSkiplink = hashPointer(entries[*position-1].Hash())
		}
		if !equalOptional(next.EntryHashSkiplink, expectedSkiplink) {
			t.Fatalf("unexpected skiplink after entry %d: %v", index, next.EntryHashSkiplink)
		}

		queried := node.arguments(t, node.call(t, methodGetEntryArguments, entryArgumentsParams{Author: author.ID().String(), Schema: node.chat.ID.String()}))
		if queried.SeqNum != next.SeqNum || !equalOptional(queried.EntryHashSkiplink, next.EntryHashSkiplink) {
			t.Fatalf("expected queried arguments %+v to match publish result %+v", queried, next)
		}
	}
}

func intPointer(value int) *int {
	return &value
}

func TestRPCReportsErrors(t *testing.T) {
	node := newTestNode(t)
	author := pandatest.NewAuthor(t)

	encoded := pandatest.Create(t, node.chat.ID, message.Fields{"message": message.TextValue("orphan")})
	orphan := author.Sign(t, bamboo.EntryConfig{
		LogID:    1,
		SeqNum:   2,
		Backlink: hashPointerValue(bamboo.HashBytes([]byte("missing"))),
		Payload:  encoded.Bytes(),
	})
	rejected := node.call(t, methodPublishEntry, publishEntryParams{EntryEncoded: orphan.Hex(), MessageEncoded: encoded.Hex()})
	if rejected.Error == nil || rejected.Error.Code != rpcCodeServerError {
		t.Fatalf("expected server error, got %+v", rejected.Error)
	}
	if rejected.Error.Data == nil || rejected.Error.Data.Reason != string(publish.ReasonBacklinkMissing) {
		t.Fatalf("expected backlink_missing reason, got %+v", rejected.Error.Data)
	}

	cases := []struct {
		name string
		body string
		code int
	}{
		{name: "parse error", body: `{"jsonrpc":`, code: rpcCodeParseError},
		{name: "empty body", body: ``, code: rpcCodeParseError},
		{name: "envelope of wrong type", body: `["panda_publishEntry"]`, code: rpcCodeParseError},
		{name: "wrong version", body: `{"jsonrpc":"1.0","id":1,"method":"panda_publishEntry"}`, code: rpcCodeInvalidRequest},
		{name: "unknown method", body: `{"jsonrpc":"2.0","id":1,"method":"panda_queryEntries","params":{}}`, code: rpcCodeMethodNotFound},
		{name: "missing params", body: `{"jsonrpc":"2.0","id":1,"method":"panda_getEntryArguments"}`, code: rpcCodeInvalidParams},
		{name: "invalid author", body: `{"jsonrpc":"2.0","id":1,"method":"panda_getEntryArguments","params":{"author":"zz","schema":"` + node.chat.ID.String() + `"}}`, code: rpcCodeInvalidParams},
		{name: "empty entry", body: `{"jsonrpc":"2.0","id":1,"method":"panda_publishEntry","params":{"entryEncoded":"","messageEncoded":"00"}}`, code: rpcCodeInvalidParams},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			envelope := node.rawRPC(t, testCase.body)
			if envelope.Error == nil || envelope.Error.Code != testCase.code {
				t.Fatalf("expected code %d, got %+v", testCase.code, envelope.Error)
			}
		})
	}
}

func hashPointerValue(hash bamboo.Hash) *bamboo.Hash {
	return &hash
}

func TestDocumentsReflectMaterializedEntries(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()
	log := pandatest.NewAuthor(t).Log(1)

	entry, _ := node.publishChat(t, log, "hello panda")
	if _, err := node.worker.RunOnce(ctx); err != nil {
		t.Fatalf("failed to run materializer: %v", err)
	}

	response, body := node.get(t, "/schemas/"+node.chat.ID.String()+"/documents", "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected list status %d: %s", response.StatusCode, body)
	}
	var listed documentsResponsePayload
	if err := json.Unmarshal(body, &listed); err != nil {
		t.Fatalf("failed to decode documents: %v", err)
	}
	if len(listed.Documents) != 1 || listed.Documents[0].ID != entry.Hash().String() {
		t.Fatalf("unexpected documents %+v", listed.Documents)
	}
	if listed.Documents[0].Fields["message"] != "hello panda" {
		t.Fatalf("unexpected fields %+v", listed.Documents[0].Fields)
	}

	response, body = node.get(t, "/schemas/"+node.chat.ID.String()+"/documents/"+entry.Hash().String(), "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected get status %d: %s", response.StatusCode, body)
	}

	missing := bamboo.HashBytes([]byte("missing document"))
	statuses := map[string]int{
		"/schemas/" + node.chat.ID.String() + "/documents/" + missing.String(): http.StatusNotFound,
		"/schemas/" + missing.String() + "/documents":                          http.StatusNotFound,
		"/schemas/not-a-hash/documents":                                        http.StatusBadRequest,
		"/schemas/" + node.chat.ID.String() + "/documents/not-a-hash":          http.StatusBadRequest,
	}
	for path, expected := range statuses {
		response, body := node.get(t, path, "")
		if response.StatusCode != expected {
			t.Fatalf("expected %d for %s, got %d: %s", expected, path, response.StatusCode, body)
		}
	}
}

func TestAdminRoutesRequireBearerToken(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	definition, err := json.Marshal(schema.Definition{
		Name:   "profile",
		Fields: []schema.FieldDefinition{{Name: "username", Kind: message.KindText, Required: true}},
	})
	if err != nil {
		t.Fatalf("failed to encode definition: %v", err)
	}

	response, _ := node.do(t, http.MethodPost, "/admin/schemas", "", definition)
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized without token, got %d", response.StatusCode)
	}

	token, _, err := node.tokens.IssueAdminToken(ctx, "operator")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	response, body := node.do(t, http.MethodPost, "/admin/schemas", token, definition)
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected register status %d: %s", response.StatusCode, body)
	}
	var registered schemaResponsePayload
	if err := json.Unmarshal(body, &registered); err != nil {
		t.Fatalf("failed to decode schema: %v", err)
	}
	if _, err := node.registry.Resolve(ctx, mustHash(t, registered.ID)); err != nil {
		t.Fatalf("expected registered schema to resolve: %v", err)
	}

	invalid := []byte(`{"name":"broken","fields":[{"name":"id","type":"str"}]}`)
	response, _ = node.do(t, http.MethodPost, "/admin/schemas", token, invalid)
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected invalid definition to be rejected, got %d", response.StatusCode)
	}

	node.publishChat(t, pandatest.NewAuthor(t).Log(1), "replayed")
	response, body = node.do(t, http.MethodPost, "/admin/schemas/"+node.chat.ID.String()+"/rebuild", token, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected rebuild status %d: %s", response.StatusCode, body)
	}
	var rebuilt struct {
		Applied int `json:"applied"`
		Failed  int `json:"failed"`
	}
	if err := json.Unmarshal(body, &rebuilt); err != nil {
		t.Fatalf("failed to decode rebuild result: %v", err)
	}
	if rebuilt.Applied != 1 || rebuilt.Failed != 0 {
		t.Fatalf("unexpected rebuild result %+v", rebuilt)
	}

	response, body = node.get(t, "/admin/materialization/failures?limit=10", token)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected failures status %d: %s", response.StatusCode, body)
	}
	response, _ = node.get(t, "/admin/materialization/failures?limit=zero", token)
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected invalid limit to be rejected, got %d", response.StatusCode)
	}
}

func mustHash(t *testing.T, value string) bamboo.Hash {
	t.Helper()
	hash, err := bamboo.NewHash(value)
	if err != nil {
		t.Fatalf("invalid hash %q: %v", value, err)
	}
	return hash
}

func TestEntryStreamEmitsPublishedEntries(t *testing.T) {
	node := newTestNode(t)
	author := pandatest.NewAuthor(t)

	streamRequest, err := http.NewRequest(http.MethodGet, node.server.URL+"/entries/stream?author="+author.ID().String(), http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	entry, _ := node.publishChat(t, author.Log(1), "streamed")

	type readResult struct {
		line string
		err  error
	}
	streamReader := bufio.NewReader(streamResp.Body)
	currentEventType := ""
	deadline := time.After(5 * time.Second)
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		var result readResult
		select {
		case <-deadline:
			t.Fatal("timed out waiting for entry event")
		case result = <-resultCh:
		}
		if result.err != nil {
			t.Fatalf("failed reading stream: %v", result.err)
		}
		line := strings.TrimSpace(result.line)
		switch {
		case strings.HasPrefix(line, "event:"):
			currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:") && currentEventType == RealtimeEventEntryPublished:
			var payload RealtimeMessage
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.EntryHash != entry.Hash().String() || payload.SeqNum != 1 {
				t.Fatalf("unexpected event payload %+v", payload)
			}
			return
		}
	}
}

func TestEntryStreamRejectsInvalidAuthor(t *testing.T) {
	node := newTestNode(t)
	response, _ := node.get(t, "/entries/stream?author=nope", "")
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", response.StatusCode)
	}
}
