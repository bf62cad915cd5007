package gateway

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextmesh/meshgate/internal/accounts"
	"github.com/nextmesh/meshgate/internal/config"
	"github.com/nextmesh/meshgate/internal/store"
)

func boolPtr(b bool) *bool { return &b }

type fakePipeline struct {
	mu      sync.Mutex
	handled []*Context
	reply   string
}

func (p *fakePipeline) HandleInbound(ctx context.Context, msg *Context, deliver DeliverFunc) error {
	p.mu.Lock()
	p.handled = append(p.handled, msg)
	p.mu.Unlock()
	if p.reply != "" {
		return deliver(ctx, p.reply)
	}
	return nil
}

func (p *fakePipeline) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handled)
}

func (p *fakePipeline) last() *Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.handled) == 0 {
		return nil
	}
	return p.handled[len(p.handled)-1]
}

type fakePairing struct {
	mu       sync.Mutex
	allow    []string
	requests map[string]string
	created  int
}

func newFakePairing() *fakePairing {
	return &fakePairing{requests: make(map[string]string)}
}

func (f *fakePairing) AllowFrom(channel string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.allow...), nil
}

func (f *fakePairing) UpsertRequest(channel, nodeID string, meta store.PairingMeta) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code, ok := f.requests[nodeID]; ok {
		return code, false, nil
	}
	code := "CODE" + nodeID[len(nodeID)-4:]
	f.requests[nodeID] = code
	f.created++
	return code, true, nil
}

func (f *fakePairing) Approve(channel, code string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for node, c := range f.requests {
		if c == code {
			delete(f.requests, node)
			f.allow = append(f.allow, node)
			return node, nil
		}
	}
	return "", ErrNoActiveConnection
}

func (f *fakePairing) ListRequests(channel string) ([]store.PairingRequest, error) {
	return nil, nil
}

type sentChunk struct {
	target string
	text   string
	opts   SendOptions
}

type sendRecorder struct {
	mu     sync.Mutex
	chunks []sentChunk
}

func (s *sendRecorder) send(ctx context.Context, target, text string, opts SendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, sentChunk{target, text, opts})
	return nil
}

func (s *sendRecorder) all() []sentChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentChunk(nil), s.chunks...)
}

func newHandler(acct config.AccountConfig, pipeline *fakePipeline, pairing *fakePairing, rec *sendRecorder) *InboundHandler {
	h := &InboundHandler{
		Account:    accounts.ResolvedAccount{ID: "default", Config: acct, Enabled: true},
		Pipeline:   pipeline,
		Send:       rec.send,
		ChunkDelay: time.Millisecond,
	}
	// Assign only a non-nil pointer: a typed-nil *fakePairing in the
	// interface field would defeat the handler's nil check.
	if pairing != nil {
		h.Pairing = pairing
	}
	return h
}

func TestHandleDMAllowlist(t *testing.T) {
	pipeline := &fakePipeline{}
	rec := &sendRecorder{}
	h := newHandler(config.AccountConfig{
		DMPolicy:  "allowlist",
		AllowFrom: config.FlexibleStringSlice{"2864434397"},
	}, pipeline, newFakePairing(), rec)

	err := h.Handle(context.Background(), InboundMessage{
		SenderNodeID: "!aabbccdd",
		SenderName:   "Alice",
		Text:         "hello gateway",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pipeline.count() != 1 {
		t.Fatalf("pipeline invocations: %d", pipeline.count())
	}
	c := pipeline.last()
	if c.ChatType != "direct" {
		t.Errorf("chat type: %q", c.ChatType)
	}
	if c.SessionKey != "meshtastic:default:direct:!aabbccdd" {
		t.Errorf("session key: %q", c.SessionKey)
	}
	if c.SenderID != "!aabbccdd" || c.SenderName != "Alice" {
		t.Errorf("sender: %q %q", c.SenderID, c.SenderName)
	}

	// Unlisted sender is dropped without a pairing side effect.
	if err := h.Handle(context.Background(), InboundMessage{
		SenderNodeID: "!00000001",
		Text:         "let me in",
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pipeline.count() != 1 {
		t.Error("unlisted sender should not reach the pipeline")
	}
	if len(rec.all()) != 0 {
		t.Error("allowlist policy should not send pairing replies")
	}
}

func TestHandleDMPairingFlow(t *testing.T) {
	pipeline := &fakePipeline{}
	pairing := newFakePairing()
	rec := &sendRecorder{}
	h := newHandler(config.AccountConfig{DMPolicy: "pairing"}, pipeline, pairing, rec)

	msg := InboundMessage{SenderNodeID: "!aabbccdd", SenderName: "Alice", Text: "hi"}
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pipeline.count() != 0 {
		t.Error("unknown sender must not reach the pipeline")
	}
	if pairing.created != 1 {
		t.Fatalf("pairing requests created: %d", pairing.created)
	}
	sends := rec.all()
	if len(sends) != 1 {
		t.Fatalf("pairing replies sent: %d", len(sends))
	}
	if sends[0].target != "!aabbccdd" {
		t.Errorf("reply target: %q", sends[0].target)
	}
	if !strings.Contains(sends[0].text, "CODE") || !strings.Contains(sends[0].text, "!aabbccdd") {
		t.Errorf("reply text: %q", sends[0].text)
	}

	// Repeat message: still dropped, no second reply.
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pairing.created != 1 {
		t.Errorf("pairing requests created after repeat: %d", pairing.created)
	}
	if len(rec.all()) != 1 {
		t.Error("repeat request should not send another reply")
	}

	// After approval the sender is admitted via the store allowlist.
	pairing.allow = append(pairing.allow, "!aabbccdd")
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pipeline.count() != 1 {
		t.Error("approved sender should reach the pipeline")
	}
}

func TestHandleDMDisabled(t *testing.T) {
	pipeline := &fakePipeline{}
	h := newHandler(config.AccountConfig{DMPolicy: "disabled"}, pipeline, newFakePairing(), &sendRecorder{})
	if err := h.Handle(context.Background(), InboundMessage{SenderNodeID: "!aabbccdd", Text: "hi"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pipeline.count() != 0 {
		t.Error("disabled policy should drop everything")
	}
}

func TestHandleEmptyBody(t *testing.T) {
	pipeline := &fakePipeline{}
	h := newHandler(config.AccountConfig{DMPolicy: "open"}, pipeline, nil, &sendRecorder{})
	if err := h.Handle(context.Background(), InboundMessage{SenderNodeID: "!aabbccdd", Text: "   \n "}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pipeline.count() != 0 {
		t.Error("whitespace-only message should be ignored")
	}
}

func TestHandleGroupChannelGating(t *testing.T) {
	pipeline := &fakePipeline{}
	acct := config.AccountConfig{
		GroupPolicy:    "allowlist",
		GroupAllowFrom: config.FlexibleStringSlice{"*"},
		MeshChannels: map[string]config.ChannelConfig{
			"LongFast": {RequireMention: boolPtr(false)},
		},
	}
	h := newHandler(acct, pipeline, newFakePairing(), &sendRecorder{})

	// Case-insensitive channel name match, no mention needed.
	if err := h.Handle(context.Background(), InboundMessage{
		SenderNodeID: "!aabbccdd",
		Text:         "anyone around?",
		ChannelName:  "longfast",
		IsGroup:      true,
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pipeline.count() != 1 {
		t.Fatal("matched channel should reach the pipeline")
	}
	c := pipeline.last()
	if c.ChatType != "group" || c.GroupSubject != "longfast" {
		t.Errorf("context: %+v", c)
	}
	if c.SessionKey != "meshtastic:default:group:longfast" {
		t.Errorf("session key: %q", c.SessionKey)
	}

	// Unlisted channel is dropped under the allowlist policy.
	if err := h.Handle(context.Background(), InboundMessage{
		SenderNodeID: "!aabbccdd",
		Text:         "hello",
		ChannelName:  "Other",
		IsGroup:      true,
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pipeline.count() != 1 {
		t.Error("unlisted channel should be dropped")
	}

	// Disabled group policy drops even matched channels.
	h2 := newHandler(config.AccountConfig{
		MeshChannels: map[string]config.ChannelConfig{"LongFast": {}},
	}, pipeline, newFakePairing(), &sendRecorder{})
	if err := h2.Handle(context.Background(), InboundMessage{
		SenderNodeID: "!aabbccdd",
		Text:         "hello",
		ChannelName:  "LongFast",
		IsGroup:      true,
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pipeline.count() != 1 {
		t.Error("default (disabled) group policy should drop")
	}
}

func TestHandleGroupToolPolicy(t *testing.T) {
	pipeline := &fakePipeline{}
	acct := config.AccountConfig{
		GroupPolicy: "open",
		MeshChannels: map[string]config.ChannelConfig{
			"*":     {RequireMention: boolPtr(false), ToolsDeny: []string{"exec"}},
			"admin": {RequireMention: boolPtr(false), ToolsAllow: []string{"status", "restart"}},
		},
	}
	h := newHandler(acct, pipeline, newFakePairing(), &sendRecorder{})

	if err := h.Handle(context.Background(), InboundMessage{
		SenderNodeID: "!aabbccdd",
		Text:         "restart please",
		ChannelName:  "admin",
		IsGroup:      true,
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	c := pipeline.last()
	if len(c.GroupToolsAllow) != 2 || c.GroupToolsAllow[0] != "status" {
		t.Errorf("named channel tool allowlist: %v", c.GroupToolsAllow)
	}
	if len(c.GroupToolsDeny) != 0 {
		t.Errorf("named channel policy should replace the wildcard denylist: %v", c.GroupToolsDeny)
	}

	// A channel without its own policy inherits the wildcard's.
	if err := h.Handle(context.Background(), InboundMessage{
		SenderNodeID: "!aabbccdd",
		Text:         "hello",
		ChannelName:  "LongFast",
		IsGroup:      true,
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	c = pipeline.last()
	if len(c.GroupToolsDeny) != 1 || c.GroupToolsDeny[0] != "exec" {
		t.Errorf("wildcard tool denylist: %v", c.GroupToolsDeny)
	}
	if len(c.GroupToolsAllow) != 0 {
		t.Errorf("wildcard allowlist: %v", c.GroupToolsAllow)
	}
}

func TestHandleGroupMentionGate(t *testing.T) {
	pipeline := &fakePipeline{}
	acct := config.AccountConfig{
		GroupPolicy:     "open",
		MentionPatterns: []string{"@gate"},
	}
	h := newHandler(acct, pipeline, newFakePairing(), &sendRecorder{})

	msg := InboundMessage{
		SenderNodeID: "!aabbccdd",
		Text:         "just chatting",
		ChannelName:  "LongFast",
		IsGroup:      true,
	}
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pipeline.count() != 0 {
		t.Error("unmentioned group message should be dropped by default")
	}

	msg.Text = "@gate what is the weather"
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pipeline.count() != 1 {
		t.Fatal("mentioned message should be admitted")
	}
	if !pipeline.last().WasMentioned {
		t.Error("WasMentioned should be set")
	}
}

func TestHandleGroupSenderAllowlist(t *testing.T) {
	pipeline := &fakePipeline{}
	acct := config.AccountConfig{
		GroupPolicy:    "allowlist",
		GroupAllowFrom: config.FlexibleStringSlice{"!aabbccdd"},
		MeshChannels: map[string]config.ChannelConfig{
			"LongFast": {RequireMention: boolPtr(false)},
		},
	}
	h := newHandler(acct, pipeline, newFakePairing(), &sendRecorder{})

	admit := InboundMessage{SenderNodeID: "2864434397", Text: "hi", ChannelName: "LongFast", IsGroup: true}
	if err := h.Handle(context.Background(), admit); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pipeline.count() != 1 {
		t.Error("allowlisted sender (decimal form) should be admitted")
	}

	deny := InboundMessage{SenderNodeID: "!00000001", Text: "hi", ChannelName: "LongFast", IsGroup: true}
	if err := h.Handle(context.Background(), deny); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pipeline.count() != 1 {
		t.Error("unlisted group sender should be dropped")
	}
}

func TestHandleGroupUnauthorizedCommand(t *testing.T) {
	pipeline := &fakePipeline{}
	// The per-channel list admits both senders; the account-wide group
	// list governs who may run commands.
	acct := config.AccountConfig{
		GroupPolicy:    "open",
		GroupAllowFrom: config.FlexibleStringSlice{"!aabbccdd"},
		MeshChannels: map[string]config.ChannelConfig{
			"*": {
				RequireMention: boolPtr(false),
				AllowFrom:      config.FlexibleStringSlice{"!aabbccdd", "!00000001"},
			},
		},
	}
	h := newHandler(acct, pipeline, newFakePairing(), &sendRecorder{})

	// Listed sender may run commands.
	if err := h.Handle(context.Background(), InboundMessage{
		SenderNodeID: "!aabbccdd", Text: "/status", ChannelName: "LongFast", IsGroup: true,
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pipeline.count() != 1 || !pipeline.last().CommandAuthorized {
		t.Error("listed sender's command should pass authorized")
	}

	// The channel list admits the second sender, but their command is
	// blocked by the command gate.
	if err := h.Handle(context.Background(), InboundMessage{
		SenderNodeID: "!00000001", Text: "/status", ChannelName: "LongFast", IsGroup: true,
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pipeline.count() != 1 {
		t.Error("unauthorized group command should be blocked")
	}

	// Plain text from the same unlisted sender still flows.
	if err := h.Handle(context.Background(), InboundMessage{
		SenderNodeID: "!00000001", Text: "hello", ChannelName: "LongFast", IsGroup: true,
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if pipeline.count() != 2 {
		t.Error("plain message should not be caught by the command gate")
	}
}

func TestReplyChunkingAndPrefix(t *testing.T) {
	rec := &sendRecorder{}
	pipeline := &fakePipeline{reply: strings.Repeat("word ", 90)} // 450 chars
	acct := config.AccountConfig{
		DMPolicy:       "open",
		TextChunkLimit: 200,
		ResponsePrefix: "[gw] ",
	}
	h := newHandler(acct, pipeline, nil, rec)

	if err := h.Handle(context.Background(), InboundMessage{
		SenderNodeID: "!aabbccdd", Text: "tell me things",
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	sends := rec.all()
	if len(sends) != 3 {
		t.Fatalf("got %d chunks, want 3", len(sends))
	}
	if !strings.HasPrefix(sends[0].text, "[gw] ") {
		t.Errorf("first chunk missing prefix: %q", sends[0].text)
	}
	for i, s := range sends {
		if s.target != "!aabbccdd" {
			t.Errorf("chunk %d target: %q", i, s.target)
		}
		if len([]rune(s.text)) > 200 {
			t.Errorf("chunk %d over limit: %d", i, len([]rune(s.text)))
		}
	}
}

func TestGroupReplyRoutesToChannel(t *testing.T) {
	rec := &sendRecorder{}
	pipeline := &fakePipeline{reply: "ack"}
	acct := config.AccountConfig{
		GroupPolicy: "open",
		MeshChannels: map[string]config.ChannelConfig{
			"*": {RequireMention: boolPtr(false)},
		},
	}
	h := newHandler(acct, pipeline, nil, rec)

	if err := h.Handle(context.Background(), InboundMessage{
		SenderNodeID: "!aabbccdd",
		Text:         "hello",
		ChannelIndex: 2,
		ChannelName:  "admin",
		IsGroup:      true,
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	sends := rec.all()
	if len(sends) != 1 {
		t.Fatalf("sends: %d", len(sends))
	}
	if sends[0].target != "admin" {
		t.Errorf("target: %q", sends[0].target)
	}
	if sends[0].opts.ChannelIndex != 2 || sends[0].opts.ChannelName != "admin" {
		t.Errorf("opts: %+v", sends[0].opts)
	}
}
