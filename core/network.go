package core

// network.go – the HTTP/1.1 JSON transport: the node's serving surface and
// the outbound client the mesh and consensus use. Handlers never mutate
// consensus state directly; protocol messages are enqueued onto the single
// consensus loop and the handler waits for the typed outcome.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

//---------------------------------------------------------------------
// Server
//---------------------------------------------------------------------

// Server exposes the wire protocol endpoints.
type Server struct {
	nctx     *NodeContext
	ledger   *Ledger
	pool     *TxPool
	receipts *ReceiptEngine
	mesh     *PeerMesh
	cons     *Consensus

	httpSrv *http.Server
}

// NewServer wires the serving surface over the node's components.
func NewServer(nctx *NodeContext, ledger *Ledger, pool *TxPool, receipts *ReceiptEngine, mesh *PeerMesh, cons *Consensus) *Server {
	s := &Server{nctx: nctx, ledger: ledger, pool: pool, receipts: receipts, mesh: mesh, cons: cons}
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.HandleFunc("/announce", s.handleAnnounce).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/challenge", s.handleChallenge).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/propose", s.handlePropose).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/vote", s.handleVote).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/commit", s.handleCommit).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/view-change", s.handleViewChange).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/transaction", s.handleTransaction).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/faucet", s.handleFaucet).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/gossip", s.handleGossip).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/chain", s.handleChain).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/headers", s.handleHeaders).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/proof/{txHash}", s.handleProof).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/balance/{address}", s.handleBalance).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/metrics", nctx.Metrics.Handler()).Methods(http.MethodGet)
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", nctx.Port),
		Handler:      r,
		ReadTimeout:  nctx.Config.Mesh.RequestTimeout,
		WriteTimeout: nctx.Config.Mesh.RequestTimeout,
	}
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks serving the wire protocol.
func (s *Server) ListenAndServe() error {
	log.WithField("addr", s.httpSrv.Addr).Info("mesh listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.httpSrv.Shutdown(ctx) }

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("response encode")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return Errf(ErrMalformedInput, "body decode: %v", err)
	}
	return nil
}

// roundTrip enqueues a protocol message onto the consensus loop and waits
// for its outcome.
func (s *Server) roundTrip(kind MsgKind, payload interface{}) Outcome {
	reply := make(chan Outcome, 1)
	if !s.cons.Enqueue(InboundMsg{Kind: kind, Payload: payload, Reply: reply}) {
		return Outcome{OK: false, Err: Errf(ErrTimeout, "consensus inbox full")}
	}
	select {
	case out := <-reply:
		return out
	case <-time.After(s.nctx.Config.Mesh.RequestTimeout):
		return Outcome{OK: false, Err: Errf(ErrTimeout, "consensus loop busy")}
	}
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var msg AnnounceMsg
	if err := decodeJSON(r, &msg); err != nil {
		writeJSON(w, http.StatusBadRequest, OKReply{OK: false, Error: err.Error()})
		return
	}
	if _, err := s.mesh.Register(msg); err != nil {
		writeJSON(w, http.StatusBadRequest, OKReply{OK: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, OKReply{OK: true})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mesh.Summaries())
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var msg ChallengeMsg
	if err := decodeJSON(r, &msg); err != nil {
		writeJSON(w, http.StatusBadRequest, OKReply{OK: false, Error: err.Error()})
		return
	}
	if msg.ChallengeID == "" {
		writeJSON(w, http.StatusBadRequest, OKReply{OK: false, Error: "missing challengeId"})
		return
	}
	receipt := s.receipts.RespondChallenge(msg)
	writeJSON(w, http.StatusOK, ChallengeReply{Receipt: receipt, PublicKeyPEM: s.nctx.PubKeyPEM})
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var block Block
	if err := decodeJSON(r, &block); err != nil {
		writeJSON(w, http.StatusBadRequest, ProposeReply{OK: false, Kind: ErrMalformedInput, Error: err.Error()})
		return
	}
	out := s.roundTrip(MsgPropose, &block)
	if reply, ok := out.Payload.(ProposeReply); ok {
		writeJSON(w, http.StatusOK, reply)
		return
	}
	writeJSON(w, http.StatusOK, ProposeReply{OK: false, Kind: errKind(out.Err), Error: errText(out.Err)})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var msg VoteMsg
	if err := decodeJSON(r, &msg); err != nil {
		writeJSON(w, http.StatusBadRequest, OKReply{OK: false, Error: err.Error()})
		return
	}
	out := s.roundTrip(MsgVote, &msg)
	writeJSON(w, http.StatusOK, OKReply{OK: out.OK, Error: errText(out.Err)})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var block Block
	if err := decodeJSON(r, &block); err != nil {
		writeJSON(w, http.StatusBadRequest, OKReply{OK: false, Error: err.Error()})
		return
	}
	out := s.roundTrip(MsgCommit, &block)
	writeJSON(w, http.StatusOK, OKReply{OK: out.OK, Error: errText(out.Err)})
}

func (s *Server) handleViewChange(w http.ResponseWriter, r *http.Request) {
	var msg ViewChangeMsg
	if err := decodeJSON(r, &msg); err != nil {
		writeJSON(w, http.StatusBadRequest, OKReply{OK: false, Error: err.Error()})
		return
	}
	out := s.roundTrip(MsgViewChange, &msg)
	writeJSON(w, http.StatusOK, OKReply{OK: out.OK, Error: errText(out.Err)})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	var tx Transaction
	if err := decodeJSON(r, &tx); err != nil {
		writeJSON(w, http.StatusBadRequest, OKReply{OK: false, Error: err.Error()})
		return
	}
	out := s.roundTrip(MsgTransaction, &tx)
	if out.Err != nil && out.Err.Kind == ErrSignatureInvalid {
		writeJSON(w, http.StatusBadRequest, OKReply{OK: false, Error: errText(out.Err)})
		return
	}
	writeJSON(w, http.StatusOK, OKReply{OK: out.OK, Error: errText(out.Err)})
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var msg FaucetMsg
	if err := decodeJSON(r, &msg); err != nil {
		writeJSON(w, http.StatusBadRequest, OKReply{OK: false, Error: err.Error()})
		return
	}
	out := s.roundTrip(MsgFaucet, &msg)
	if tx, ok := out.Payload.(Transaction); ok {
		writeJSON(w, http.StatusOK, struct {
			OK bool        `json:"ok"`
			Tx Transaction `json:"tx"`
		}{OK: true, Tx: tx})
		return
	}
	writeJSON(w, http.StatusOK, OKReply{OK: out.OK, Error: errText(out.Err)})
}

func (s *Server) handleGossip(w http.ResponseWriter, r *http.Request) {
	var msg GossipMsg
	if err := decodeJSON(r, &msg); err != nil {
		writeJSON(w, http.StatusBadRequest, OKReply{OK: false, Error: err.Error()})
		return
	}
	s.mesh.FoldGossip(msg)
	writeJSON(w, http.StatusOK, OKReply{OK: true})
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Tail(ChainServeLimit))
}

func (s *Server) handleHeaders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Headers(ChainServeLimit))
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	txHash := mux.Vars(r)["txHash"]
	writeJSON(w, http.StatusOK, s.ledger.ProofFor(strings.ToLower(txHash)))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr := strings.ToLower(mux.Vars(r)["address"])
	if _, err := StringToAddress(addr); err != nil {
		writeJSON(w, http.StatusBadRequest, OKReply{OK: false, Error: "invalid address"})
		return
	}
	acct := s.ledger.AccountOf(addr)
	writeJSON(w, http.StatusOK, BalanceReply{Balance: acct.Balance, Nonce: acct.Nonce})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	epoch, view := s.cons.EpochView()
	acct := s.ledger.AccountOf(s.nctx.AddressHex)
	writeJSON(w, http.StatusOK, HealthReply{
		Name:              s.nctx.Name,
		Address:           s.nctx.AddressHex,
		Epoch:             epoch,
		View:              view,
		ChainLength:       s.ledger.Length(),
		Peers:             s.mesh.PeerCount(),
		Effectiveness:     s.receipts.Effectiveness(),
		Balance:           acct.Balance,
		SlashedNodesCount: s.ledger.SlashedCount(),
		Stats:             s.nctx.Metrics.Snapshot(),
	})
}

func errText(err *NodeError) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errKind(err *NodeError) ErrorKind {
	if err == nil {
		return ""
	}
	return err.Kind
}

//---------------------------------------------------------------------
// Outbound client (PeerMesh methods)
//---------------------------------------------------------------------

func (pm *PeerMesh) postJSON(ctx context.Context, base, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return WrapErr(ErrMalformedInput, err, "request encode")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+path, bytes.NewReader(body))
	if err != nil {
		return WrapErr(ErrTransport, err, "request build")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := pm.client.Do(req)
	if err != nil {
		return WrapErr(ErrTransport, err, "post "+path)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return WrapErr(ErrTransport, err, "read "+path)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return WrapErr(ErrMalformedInput, err, "decode "+path)
		}
	}
	return nil
}

func (pm *PeerMesh) getJSON(ctx context.Context, base, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		return WrapErr(ErrTransport, err, "request build")
	}
	resp, err := pm.client.Do(req)
	if err != nil {
		return WrapErr(ErrTransport, err, "get "+path)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return WrapErr(ErrMalformedInput, err, "decode "+path)
	}
	return nil
}

// SendAnnounce introduces the local node to a peer.
func (pm *PeerMesh) SendAnnounce(ctx context.Context, peerURL string) error {
	msg := AnnounceMsg{
		ID:            pm.nctx.Name,
		URL:           pm.nctx.PublicURL,
		PublicKeyPEM:  pm.nctx.PubKeyPEM,
		PublicKeyHash: pm.nctx.PubKeyHash,
	}
	var out OKReply
	return pm.postJSON(ctx, peerURL, "/announce", msg, &out)
}

// SendChallenge drives one challenge exchange; implements challengeSender.
func (pm *PeerMesh) SendChallenge(ctx context.Context, peerURL string, msg ChallengeMsg) (*ChallengeReply, error) {
	var out ChallengeReply
	if err := pm.postJSON(ctx, peerURL, "/challenge", msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendPropose offers a proposal and returns the peer's vote or rejection.
func (pm *PeerMesh) SendPropose(ctx context.Context, peerURL string, block *Block) (*ProposeReply, error) {
	var out ProposeReply
	if err := pm.postJSON(ctx, peerURL, "/propose", block, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendVote forwards a vote to the leader.
func (pm *PeerMesh) SendVote(ctx context.Context, peerURL string, msg VoteMsg) error {
	var out OKReply
	return pm.postJSON(ctx, peerURL, "/vote", msg, &out)
}

// SendCommit delivers a committed block.
func (pm *PeerMesh) SendCommit(ctx context.Context, peerURL string, block *Block) error {
	var out OKReply
	return pm.postJSON(ctx, peerURL, "/commit", block, &out)
}

// SendViewChange delivers a view-change message.
func (pm *PeerMesh) SendViewChange(ctx context.Context, peerURL string, msg ViewChangeMsg) error {
	var out OKReply
	return pm.postJSON(ctx, peerURL, "/view-change", msg, &out)
}

// SendGossip delivers a gossip payload.
func (pm *PeerMesh) SendGossip(ctx context.Context, peerURL string, msg GossipMsg) error {
	var out OKReply
	return pm.postJSON(ctx, peerURL, "/gossip", msg, &out)
}

// FetchChain retrieves a peer's recent committed chain.
func (pm *PeerMesh) FetchChain(ctx context.Context, peerURL string) ([]*Block, error) {
	var out []*Block
	if err := pm.getJSON(ctx, peerURL, "/chain", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BroadcastProposal offers the block to every peer and forwards each vote
// reply to onReply. Transport failures are absorbed per peer.
func (pm *PeerMesh) BroadcastProposal(block *Block, onReply func(peerAddr string, reply *ProposeReply)) {
	ctx, cancel := context.WithTimeout(context.Background(), pm.nctx.Config.Mesh.RequestTimeout)
	defer cancel()
	var wg sync.WaitGroup
	for _, rec := range pm.Peers() {
		wg.Add(1)
		go func(rec PeerRecord) {
			defer wg.Done()
			reply, err := pm.SendPropose(ctx, rec.URL, block)
			if err != nil {
				log.WithFields(log.Fields{"peer": rec.ID, "err": err}).Debug("propose transport")
				return
			}
			pm.Touch(addrFromPEM(rec.PublicKeyPEM))
			onReply(addrFromPEM(rec.PublicKeyPEM), reply)
		}(rec)
	}
	wg.Wait()
}

// BroadcastCommit fans the committed block out to every peer.
func (pm *PeerMesh) BroadcastCommit(block *Block) {
	ctx, cancel := context.WithTimeout(context.Background(), pm.nctx.Config.Mesh.RequestTimeout)
	defer cancel()
	var wg sync.WaitGroup
	for _, rec := range pm.Peers() {
		wg.Add(1)
		go func(rec PeerRecord) {
			defer wg.Done()
			if err := pm.SendCommit(ctx, rec.URL, block); err != nil {
				log.WithFields(log.Fields{"peer": rec.ID, "err": err}).Debug("commit transport")
			}
		}(rec)
	}
	wg.Wait()
}

// BroadcastViewChange fans a view-change message out to every peer.
func (pm *PeerMesh) BroadcastViewChange(msg ViewChangeMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), pm.nctx.Config.Mesh.RequestTimeout)
	defer cancel()
	var wg sync.WaitGroup
	for _, rec := range pm.Peers() {
		wg.Add(1)
		go func(rec PeerRecord) {
			defer wg.Done()
			if err := pm.SendViewChange(ctx, rec.URL, msg); err != nil {
				log.WithFields(log.Fields{"peer": rec.ID, "err": err}).Debug("view-change transport")
			}
		}(rec)
	}
	wg.Wait()
}
