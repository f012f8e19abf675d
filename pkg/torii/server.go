// Package torii is the thin HTTP/WebSocket boundary in front of the
// node: submit transactions, run signed queries (singular or cursored),
// and subscribe to event/block streams. It adapts HTTP to the Queue and
// live-query store and maps the error taxonomy onto status codes; no
// business logic lives here.
package torii

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/kagami-chain/kagami/internal/errs"
	"github.com/kagami-chain/kagami/pkg/crypto/canonical"
	"github.com/kagami-chain/kagami/pkg/kura"
	"github.com/kagami-chain/kagami/pkg/livequery"
	"github.com/kagami-chain/kagami/pkg/pipeline"
	"github.com/kagami-chain/kagami/pkg/queue"
	"github.com/kagami-chain/kagami/pkg/types"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

type Config struct {
	Addr           string
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{Addr: ":8080", AllowedOrigins: []string{"*"}}
}

type Server struct {
	cfg    Config
	router *mux.Router
	log    *zap.SugaredLogger

	queue *queue.Queue
	world *wsv.WSV
	lq    *livequery.Store
	pipe  *pipeline.Pipeline
	store *kura.Store

	upgrader websocket.Upgrader
}

func NewServer(cfg Config, q *queue.Queue, w *wsv.WSV, lq *livequery.Store, p *pipeline.Pipeline, store *kura.Store, log *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
		log:    log,
		queue:  q,
		world:  w,
		lq:     lq,
		pipe:   p,
		store:  store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/transactions", s.handleSubmitTransaction).Methods("POST")
	s.router.HandleFunc("/queries", s.handleQuery).Methods("POST")
	s.router.HandleFunc("/queries/continue", s.handleQueryContinue).Methods("POST")

	s.router.HandleFunc("/events", s.handleEventsWS)
	s.router.HandleFunc("/blocks", s.handleBlocksWS)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	s.router.HandleFunc("/configuration", s.handleGetConfiguration).Methods("GET")
	s.router.HandleFunc("/schema", s.handleSchema).Methods("GET")
}

// Start blocks serving HTTP until the listener fails or is closed.
func (s *Server) Start() error {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	})
	s.log.Infow("torii_listening", "addr", s.cfg.Addr)
	return http.ListenAndServe(s.cfg.Addr, c.Handler(s.router))
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.router }

// handleSubmitTransaction accepts the node's canonical binary encoding
// of a signed transaction (raw-byte fields such as public keys do not
// survive a JSON round trip intact, so the submit path speaks the same
// codec the wire does).
func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var tx types.Transaction
	if err := canonical.Decode(body, &tx); err != nil {
		respondError(w, http.StatusBadRequest, "malformed transaction: "+err.Error())
		return
	}
	view := s.world.View()
	signatories := pipeline.SignatoriesOf(view, tx.Payload.Authority)
	if err := s.queue.Push(&tx, signatories); err != nil {
		respondError(w, admissionStatus(err), err.Error())
		return
	}
	hash, _ := tx.Hash()
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"status": "accepted", "hash": hash})
}

type queryResponse struct {
	Items     []interface{}     `json:"items"`
	Remaining int               `json:"remaining"`
	Cursor    *livequery.Cursor `json:"cursor,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var sq livequery.SignedQuery
	if err := canonical.Decode(body, &sq); err != nil {
		respondError(w, http.StatusBadRequest, "malformed query: "+err.Error())
		return
	}
	view := s.world.View()
	signatories := pipeline.SignatoriesOf(view, sq.Payload.Authority)
	if !sq.Verify(signatories) {
		respondError(w, http.StatusUnauthorized, "query signature does not verify")
		return
	}
	if err := s.pipe.ValidateQuery(sq.Payload.Authority); err != nil {
		respondError(w, queryStatus(err), err.Error())
		return
	}
	items, err := livequery.Execute(view, sq.Payload.Query)
	if err != nil {
		respondError(w, queryStatus(err), err.Error())
		return
	}
	batch, err := s.lq.StartIter(items, sq.Payload.Authority, sq.Payload.Query.FetchSize)
	if err != nil {
		respondError(w, queryStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, queryResponse{Items: batch.Items, Remaining: batch.Remaining, Cursor: batch.Cursor})
}

type continueRequest struct {
	ID       uuid.UUID `json:"id"`
	Position uint32    `json:"position"`
}

func (s *Server) handleQueryContinue(w http.ResponseWriter, r *http.Request) {
	var req continueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed cursor: "+err.Error())
		return
	}
	batch, err := s.lq.Continue(livequery.Cursor{ID: req.ID, Position: req.Position})
	if err != nil {
		respondError(w, queryStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, queryResponse{Items: batch.Items, Remaining: batch.Remaining, Cursor: batch.Cursor})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	view := s.world.View()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"height":       view.Height(),
		"latest_block": view.LatestBlockHash(),
		"queue_size":   s.queue.Len(),
		"peers":        len(view.Peers()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"block_height":       s.world.Height(),
		"queue_size":         s.queue.Len(),
		"live_query_cursors": s.lq.Len(),
		"stored_blocks":      s.store.BlockCount(),
	})
}

func (s *Server) handleGetConfiguration(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.world.View().Parameters())
}

// handleSchema serves the boundary's type catalogue: the query kinds a
// client may issue. Instruction schemas are implied by the transaction
// encoding and are not enumerated separately.
func (s *Server) handleSchema(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"queries": []livequery.QueryKind{
			livequery.FindAllDomains, livequery.FindDomainByID,
			livequery.FindAllAccounts, livequery.FindAccountByID, livequery.FindAccountsByDomainID,
			livequery.FindAllAssets, livequery.FindAssetsByAccountID, livequery.FindAllAssetDefinitions,
			livequery.FindAllRoles, livequery.FindRoleByID, livequery.FindRolesByAccountID,
			livequery.FindPermissionsByAccountID,
			livequery.FindAllTriggers, livequery.FindTriggerByID,
			livequery.FindAllPeers, livequery.FindAllParameters,
		},
	})
}

// admissionStatus maps a queue admission failure onto its status code:
// bad signatures are 401, everything else the client can fix is 422.
func admissionStatus(err error) int {
	var adm *errs.Admission
	if errors.As(err, &adm) {
		switch adm.Kind {
		case errs.AdmissionBadSignature:
			return http.StatusUnauthorized
		default:
			return http.StatusUnprocessableEntity
		}
	}
	return http.StatusInternalServerError
}

// queryStatus maps query failures: NotFound→404, PermissionDenied and
// executor denial→403, the rest→422.
func queryStatus(err error) int {
	var qf *errs.QueryFail
	if errors.As(err, &qf) {
		switch qf.Kind {
		case errs.QueryNotFound:
			return http.StatusNotFound
		case errs.QueryPermissionDenied:
			return http.StatusForbidden
		default:
			return http.StatusUnprocessableEntity
		}
	}
	var vf *errs.ValidationFail
	if errors.As(err, &vf) {
		if vf.Kind == errs.NotPermitted {
			return http.StatusForbidden
		}
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
