package handler

import (
	"errors"
	"net/http"

	"keysync-service/internal/domain"
	"keysync-service/internal/middleware"
	"keysync-service/internal/usecase"
	"keysync-service/pkg/httputil"
)

// RelayHandler は同期リレーのHTTPハンドラ。エンベロープはJSONまたはCBORで受け付ける。
type RelayHandler struct {
	relay     *usecase.RelayService
	pullLimit int
}

// NewRelayHandler は新しいRelayHandlerを生成する。pullLimit は RelayService と同じ値を渡す。
func NewRelayHandler(relay *usecase.RelayService, pullLimit int) *RelayHandler {
	if pullLimit <= 0 {
		pullLimit = 500
	}
	return &RelayHandler{relay: relay, pullLimit: pullLimit}
}

// PushResponse はエンベロープ受理のレスポンス形式。
type PushResponse struct {
	Sequence  uint64 `json:"sequence" cbor:"sequence"`
	Duplicate bool   `json:"duplicate,omitempty" cbor:"duplicate,omitempty"`
}

// PullResponse はエンベロープ取得のレスポンス形式。
// Next は次回の since に渡す値で、配信対象外として飛ばしたエンベロープも越えている。
type PullResponse struct {
	Envelopes []*domain.SyncEnvelope `json:"envelopes" cbor:"envelopes"`
	Next      uint64                 `json:"next" cbor:"next"`
}

// HeadResponse はストリーム末尾のレスポンス形式。
type HeadResponse struct {
	ResourceClass string `json:"resource_class" cbor:"resource_class"`
	Head          uint64 `json:"head" cbor:"head"`
}

// Push はエンベロープをストリームに追加する。
// 既に受理済みのエンベロープは元のシーケンスを 200 で返す。
func (h *RelayHandler) Push(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "PUSH_ENVELOPE"}
	class, err := classParam(r)
	if err != nil {
		fail(w, r, l, err)
		return
	}
	l.ResourceClass = class

	var env domain.SyncEnvelope
	if err := httputil.Decode(r, &env); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid envelope encoding")
		return
	}
	if env.ResourceClass == "" {
		env.ResourceClass = class
	}
	if env.ResourceClass != class {
		fail(w, r, l, domain.ErrInvalidEnvelope)
		return
	}
	l.Version = env.KeyVersion

	seq, err := h.relay.Push(r.Context(), actor(r), &env)
	if errors.Is(err, domain.ErrDuplicate) {
		httputil.Respond(w, r, http.StatusOK, PushResponse{Sequence: seq, Duplicate: true})
		return
	}
	if err != nil {
		fail(w, r, l, err)
		return
	}

	succeed(r, l)
	httputil.Respond(w, r, http.StatusCreated, PushResponse{Sequence: seq})
}

// Pull は since より後のエンベロープを返す。
func (h *RelayHandler) Pull(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "PULL_ENVELOPES"}
	class, err := classParam(r)
	if err != nil {
		fail(w, r, l, err)
		return
	}
	l.ResourceClass = class
	since, err := queryUint(r, "since")
	if err != nil {
		fail(w, r, l, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		fail(w, r, l, err)
		return
	}
	if limit <= 0 || limit > h.pullLimit {
		limit = h.pullLimit
	}

	// Pull 内部で確定する末尾はこの値以上になる
	head, err := h.relay.StreamHead(r.Context(), actor(r), class)
	if err != nil {
		fail(w, r, l, err)
		return
	}
	envelopes, err := h.relay.Pull(r.Context(), actor(r), class, since, limit)
	if err != nil {
		fail(w, r, l, err)
		return
	}

	response := PullResponse{Envelopes: []*domain.SyncEnvelope{}, Next: since}
	for env, err := range envelopes {
		if err != nil {
			fail(w, r, l, err)
			return
		}
		response.Envelopes = append(response.Envelopes, env)
		response.Next = env.Sequence
	}
	// 上限に達していなければ末尾まで走査済み
	if len(response.Envelopes) < limit {
		response.Next = max(response.Next, head)
	}
	httputil.Respond(w, r, http.StatusOK, response)
}

// Head はストリームの最新シーケンスを返す。
func (h *RelayHandler) Head(w http.ResponseWriter, r *http.Request) {
	l := middleware.OperationLog{Operation: "STREAM_HEAD"}
	class, err := classParam(r)
	if err != nil {
		fail(w, r, l, err)
		return
	}
	l.ResourceClass = class

	head, err := h.relay.StreamHead(r.Context(), actor(r), class)
	if err != nil {
		fail(w, r, l, err)
		return
	}
	httputil.Respond(w, r, http.StatusOK, HeadResponse{ResourceClass: string(class), Head: head})
}
