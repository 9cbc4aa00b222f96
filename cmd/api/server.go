package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"truthflow/adjudicator"
	"truthflow/auth"
	"truthflow/bond"
	"truthflow/dispute"
	"truthflow/fee"
	"truthflow/resolver"
	"truthflow/unit"
)

type ctxKey int

const (
	ctxKeyAccountID ctxKey = iota
	ctxKeyRole
)

// unitService is the slice of the lifecycle engine the API layer needs.
type unitService interface {
	Create(ctx context.Context, params unit.CreateParams) (unit.TruthUnit, error)
	Get(ctx context.Context, unitID string) (unit.TruthUnit, error)
	Approve(ctx context.Context, unitID, actorID string) (unit.TruthUnit, error)
	Reject(ctx context.Context, unitID, actorID string) (unit.TruthUnit, error)
	Describe(ctx context.Context, unitID string) (string, error)
	ProposeResolution(ctx context.Context, params unit.ProposeParams) (unit.TruthUnit, error)
	Finalize(ctx context.Context, unitID string) (unit.TruthUnit, error)
	Result(ctx context.Context, unitID string) (unit.ResultRecord, error)
	FinalResult(ctx context.Context, unitID string) (unit.ResultRecord, error)
	ReleaseResolutionBond(ctx context.Context, unitID string) error
}

type disputeService interface {
	File(ctx context.Context, params dispute.FileParams) (dispute.Record, error)
	AdjudicatorDecide(ctx context.Context, params dispute.DecideParams) error
	Challenge(ctx context.Context, params dispute.ChallengeParams) (dispute.Escalation, error)
	FinalizeAfterAdjudicator(ctx context.Context, unitID string) error
	TimeoutEscalate(ctx context.Context, unitID string) error
	ResolveEscalation(ctx context.Context, params dispute.ResolveParams) error
	ResolvePostFinality(ctx context.Context, params dispute.ResolveParams) error
	Get(ctx context.Context, unitID string) (dispute.Record, error)
}

type resolverService interface {
	Register(ctx context.Context, resolverID, registeredBy string) (resolver.Record, error)
	SetTrust(ctx context.Context, params resolver.SetTrustParams) (resolver.Record, error)
	Get(ctx context.Context, resolverID string) (resolver.Record, error)
}

type adjudicatorService interface {
	Recognize(ctx context.Context, params adjudicator.RecognizeParams) (adjudicator.Record, error)
}

type bondLedger interface {
	AddAcceptableBond(ctx context.Context, params bond.AddAcceptableParams) (bond.AcceptableBond, error)
	AcceptableBonds(ctx context.Context, category bond.Category) ([]bond.AcceptableBond, error)
	Withdraw(ctx context.Context, recipient, asset string) (int64, error)
}

type feeService interface {
	SetTierShare(ctx context.Context, params fee.SetTierShareParams) error
	SetCreationFee(ctx context.Context, params fee.SetCreationFeeParams) (fee.Fee, error)
}

// Server wires the HTTP surface to the engine services.
type Server struct {
	authService        *auth.Service
	unitService        unitService
	disputeService     disputeService
	resolverService    resolverService
	adjudicatorService adjudicatorService
	bonds              bondLedger
	fees               feeService
	mux                *http.ServeMux
}

func NewServer(authService *auth.Service, units unitService, disputes disputeService, resolvers resolverService, adjudicators adjudicatorService, bonds bondLedger, fees feeService) *Server {
	s := &Server{
		authService:        authService,
		unitService:        units,
		disputeService:     disputes,
		resolverService:    resolvers,
		adjudicatorService: adjudicators,
		bonds:              bonds,
		fees:               fees,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/accounts/register", s.handleRegister)
	mux.HandleFunc("/api/accounts/login", s.handleLogin)
	mux.HandleFunc("/api/units", s.requireAuth(s.handleUnits))
	mux.HandleFunc("/api/units/", s.requireAuth(s.handleUnitDetail))
	mux.HandleFunc("/api/resolvers", s.requireAuth(s.handleResolvers))
	mux.HandleFunc("/api/resolvers/", s.requireAuth(s.handleResolverDetail))
	mux.HandleFunc("/api/adjudicators/", s.requireAuth(s.handleAdjudicatorDetail))
	mux.HandleFunc("/api/bonds/acceptable", s.requireAuth(s.handleAcceptableBonds))
	mux.HandleFunc("/api/fees/tier-shares", s.requireAuth(s.handleTierShares))
	mux.HandleFunc("/api/fees/creation", s.requireAuth(s.handleCreationFee))
	mux.HandleFunc("/api/balances/withdraw", s.requireAuth(s.handleWithdraw))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		accountID, role, err := s.authService.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyAccountID, accountID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	acct, err := s.authService.Register(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrDuplicateEmail) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":    acct.ID,
		"email": acct.Email,
		"role":  string(acct.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      result.Token,
		"account_id": result.Account.ID,
		"role":       string(result.Account.Role),
	})
}

type createUnitRequest struct {
	ResolverID             string `json:"resolver_id"`
	Template               string `json:"template"`
	Payload                []byte `json:"payload"`
	ResolutionTime         string `json:"resolution_time"`
	DisputeWindowSecs      int64  `json:"dispute_window_secs"`
	AdjudicationWindowSecs int64  `json:"adjudication_window_secs"`
	EscalationWindowSecs   int64  `json:"escalation_window_secs"`
	PostFinalityWindowSecs int64  `json:"post_finality_window_secs"`
	AdjudicatorID          string `json:"adjudicator_id"`
	AttachedAsset          string `json:"attached_asset"`
	AttachedAmount         int64  `json:"attached_amount"`
}

func (s *Server) handleUnits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req createUnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	resolutionTime, err := time.Parse(time.RFC3339, req.ResolutionTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid resolution_time")
		return
	}
	creator, _ := r.Context().Value(ctxKeyAccountID).(string)

	u, err := s.unitService.Create(r.Context(), unit.CreateParams{
		Creator:            creator,
		ResolverID:         req.ResolverID,
		Template:           req.Template,
		Payload:            req.Payload,
		ResolutionTime:     resolutionTime,
		DisputeWindow:      time.Duration(req.DisputeWindowSecs) * time.Second,
		AdjudicationWindow: time.Duration(req.AdjudicationWindowSecs) * time.Second,
		EscalationWindow:   time.Duration(req.EscalationWindowSecs) * time.Second,
		PostFinalityWindow: time.Duration(req.PostFinalityWindowSecs) * time.Second,
		AdjudicatorID:      req.AdjudicatorID,
		AttachedAsset:      req.AttachedAsset,
		AttachedAmount:     req.AttachedAmount,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, unitResponseFrom(u))
}

// handleUnitDetail routes /api/units/{id}[/action].
func (s *Server) handleUnitDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/units/")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing unit id")
		return
	}
	unitID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		u, err := s.unitService.Get(r.Context(), unitID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, unitResponseFrom(u))
	case action == "approve" && r.Method == http.MethodPost:
		s.handleSettlePending(w, r, unitID, s.unitService.Approve)
	case action == "reject" && r.Method == http.MethodPost:
		s.handleSettlePending(w, r, unitID, s.unitService.Reject)
	case action == "propose" && r.Method == http.MethodPost:
		s.handlePropose(w, r, unitID)
	case action == "finalize" && r.Method == http.MethodPost:
		u, err := s.unitService.Finalize(r.Context(), unitID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, unitResponseFrom(u))
	case action == "release-bond" && r.Method == http.MethodPost:
		if err := s.unitService.ReleaseResolutionBond(r.Context(), unitID); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "result" && r.Method == http.MethodGet:
		s.handleResult(w, r, unitID)
	case action == "describe" && r.Method == http.MethodGet:
		text, err := s.unitService.Describe(r.Context(), unitID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"description": text})
	case action == "disputes" && r.Method == http.MethodPost:
		s.handleFileDispute(w, r, unitID)
	case action == "disputes" && r.Method == http.MethodGet:
		rec, err := s.disputeService.Get(r.Context(), unitID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, disputeResponseFrom(rec))
	case action == "disputes/decide" && r.Method == http.MethodPost:
		s.handleDecide(w, r, unitID)
	case action == "disputes/challenge" && r.Method == http.MethodPost:
		s.handleChallenge(w, r, unitID)
	case action == "disputes/finalize" && r.Method == http.MethodPost:
		if err := s.disputeService.FinalizeAfterAdjudicator(r.Context(), unitID); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "disputes/timeout" && r.Method == http.MethodPost:
		if err := s.disputeService.TimeoutEscalate(r.Context(), unitID); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "disputes/resolve" && r.Method == http.MethodPost:
		s.handleResolve(w, r, unitID)
	default:
		writeError(w, http.StatusNotFound, "unknown route")
	}
}

func (s *Server) handleSettlePending(w http.ResponseWriter, r *http.Request, unitID string, settle func(context.Context, string, string) (unit.TruthUnit, error)) {
	actor, _ := r.Context().Value(ctxKeyAccountID).(string)
	u, err := settle(r.Context(), unitID, actor)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unitResponseFrom(u))
}

type bondedRequest struct {
	BondAsset          string `json:"bond_asset"`
	BondAmount         int64  `json:"bond_amount"`
	Payload            []byte `json:"payload"`
	Reason             string `json:"reason"`
	EvidenceURI        string `json:"evidence_uri"`
	ProposedCorrection []byte `json:"proposed_correction"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request, unitID string) {
	var req bondedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	actor, _ := r.Context().Value(ctxKeyAccountID).(string)
	u, err := s.unitService.ProposeResolution(r.Context(), unit.ProposeParams{
		UnitID:     unitID,
		Proposer:   actor,
		BondAsset:  req.BondAsset,
		BondAmount: req.BondAmount,
		Payload:    req.Payload,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unitResponseFrom(u))
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request, unitID string) {
	var (
		rec unit.ResultRecord
		err error
	)
	if r.URL.Query().Get("final") == "true" {
		rec, err = s.unitService.FinalResult(r.Context(), unitID)
	} else {
		rec, err = s.unitService.Result(r.Context(), unitID)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unit_id":      rec.UnitID,
		"value":        rec.Value,
		"corrected":    rec.Corrected,
		"finalized_at": rec.FinalizedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleFileDispute(w http.ResponseWriter, r *http.Request, unitID string) {
	var req bondedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	actor, _ := r.Context().Value(ctxKeyAccountID).(string)
	rec, err := s.disputeService.File(r.Context(), dispute.FileParams{
		UnitID:             unitID,
		Disputer:           actor,
		BondAsset:          req.BondAsset,
		BondAmount:         req.BondAmount,
		Reason:             req.Reason,
		EvidenceURI:        req.EvidenceURI,
		ProposedCorrection: req.ProposedCorrection,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, disputeResponseFrom(rec))
}

type verdictRequest struct {
	Verdict            string `json:"verdict"`
	CorrectedResult    []byte `json:"corrected_result"`
	BondAsset          string `json:"bond_asset"`
	BondAmount         int64  `json:"bond_amount"`
	Reason             string `json:"reason"`
	EvidenceURI        string `json:"evidence_uri"`
	ProposedCorrection []byte `json:"proposed_correction"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request, unitID string) {
	var req verdictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	actor, _ := r.Context().Value(ctxKeyAccountID).(string)
	err := s.disputeService.AdjudicatorDecide(r.Context(), dispute.DecideParams{
		UnitID:          unitID,
		ActorID:         actor,
		Verdict:         dispute.Verdict(req.Verdict),
		CorrectedResult: req.CorrectedResult,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request, unitID string) {
	var req verdictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	actor, _ := r.Context().Value(ctxKeyAccountID).(string)
	esc, err := s.disputeService.Challenge(r.Context(), dispute.ChallengeParams{
		UnitID:             unitID,
		Challenger:         actor,
		BondAsset:          req.BondAsset,
		BondAmount:         req.BondAmount,
		Reason:             req.Reason,
		EvidenceURI:        req.EvidenceURI,
		ProposedCorrection: req.ProposedCorrection,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         esc.ID,
		"unit_id":    esc.UnitID,
		"challenger": esc.Challenger,
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, unitID string) {
	var req verdictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	actor, _ := r.Context().Value(ctxKeyAccountID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	params := dispute.ResolveParams{
		UnitID:          unitID,
		ActorID:         actor,
		ActorRole:       string(role),
		Verdict:         dispute.Verdict(req.Verdict),
		CorrectedResult: req.CorrectedResult,
	}

	rec, err := s.disputeService.Get(r.Context(), unitID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if rec.Phase == dispute.PhasePostFinality && rec.ResolvedAt == nil {
		err = s.disputeService.ResolvePostFinality(r.Context(), params)
	} else {
		err = s.disputeService.ResolveEscalation(r.Context(), params)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) actorAndRole(r *http.Request) (string, string) {
	actor, _ := r.Context().Value(ctxKeyAccountID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return actor, string(role)
}

func (s *Server) handleResolvers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ResolverID string `json:"resolver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	actor, _ := s.actorAndRole(r)
	rec, err := s.resolverService.Register(r.Context(), req.ResolverID, actor)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resolverResponseFrom(rec))
}

// handleResolverDetail routes /api/resolvers/{id}[/trust].
func (s *Server) handleResolverDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/resolvers/")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing resolver id")
		return
	}
	resolverID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		rec, err := s.resolverService.Get(r.Context(), resolverID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resolverResponseFrom(rec))
	case action == "trust" && r.Method == http.MethodPost:
		var req struct {
			Level string `json:"level"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		actor, role := s.actorAndRole(r)
		rec, err := s.resolverService.SetTrust(r.Context(), resolver.SetTrustParams{
			ResolverID: resolverID,
			Level:      resolver.TrustLevel(req.Level),
			ActorID:    actor,
			ActorRole:  role,
		})
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resolverResponseFrom(rec))
	default:
		writeError(w, http.StatusNotFound, "unknown route")
	}
}

// handleAdjudicatorDetail routes /api/adjudicators/{id}/recognize.
func (s *Server) handleAdjudicatorDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/adjudicators/")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" || len(parts) != 2 || parts[1] != "recognize" || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "unknown route")
		return
	}
	actor, role := s.actorAndRole(r)
	rec, err := s.adjudicatorService.Recognize(r.Context(), adjudicator.RecognizeParams{
		AdjudicatorID: parts[0],
		ActorID:       actor,
		ActorRole:     role,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":            rec.ID,
		"recognized_by": rec.RecognizedBy,
	})
}

func (s *Server) handleAcceptableBonds(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		entries, err := s.bonds.AcceptableBonds(r.Context(), bond.Category(r.URL.Query().Get("category")))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		out := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			out = append(out, map[string]any{
				"category":   e.Category,
				"asset":      e.Asset,
				"min_amount": e.MinAmount,
			})
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var req struct {
			Category  string `json:"category"`
			Asset     string `json:"asset"`
			MinAmount int64  `json:"min_amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		actor, role := s.actorAndRole(r)
		entry, err := s.bonds.AddAcceptableBond(r.Context(), bond.AddAcceptableParams{
			Category:  bond.Category(req.Category),
			Asset:     req.Asset,
			MinAmount: req.MinAmount,
			ActorID:   actor,
			ActorRole: role,
		})
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"category":   entry.Category,
			"asset":      entry.Asset,
			"min_amount": entry.MinAmount,
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTierShares(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Tier           string `json:"tier"`
		AdjudicatorBps int    `json:"adjudicator_bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	actor, role := s.actorAndRole(r)
	if err := s.fees.SetTierShare(r.Context(), fee.SetTierShareParams{
		Tier:           fee.Tier(req.Tier),
		AdjudicatorBps: req.AdjudicatorBps,
		ActorID:        actor,
		ActorRole:      role,
	}); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreationFee(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ResolverID string `json:"resolver_id"`
		Template   string `json:"template"`
		Asset      string `json:"asset"`
		Amount     int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	actor, _ := s.actorAndRole(r)
	f, err := s.fees.SetCreationFee(r.Context(), fee.SetCreationFeeParams{
		ResolverID: req.ResolverID,
		Template:   req.Template,
		Asset:      req.Asset,
		Amount:     req.Amount,
		ActorID:    actor,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resolver_id": f.ResolverID,
		"template":    f.Template,
		"asset":       f.Asset,
		"amount":      f.Amount,
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Asset string `json:"asset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	actor, _ := s.actorAndRole(r)
	amount, err := s.bonds.Withdraw(r.Context(), actor, req.Asset)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":  req.Asset,
		"amount": amount,
	})
}

type resolverResponse struct {
	ID           string `json:"id"`
	Trust        string `json:"trust"`
	RegisteredBy string `json:"registered_by"`
}

func resolverResponseFrom(rec resolver.Record) resolverResponse {
	return resolverResponse{
		ID:           rec.ID,
		Trust:        string(rec.Trust),
		RegisteredBy: rec.RegisteredBy,
	}
}

type unitResponse struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	ResolverID string `json:"resolver_id"`
	Template   string `json:"template"`
	Tier       string `json:"tier"`
	AnswerKind string `json:"answer_kind"`
	CreatedAt  string `json:"created_at"`
}

func unitResponseFrom(u unit.TruthUnit) unitResponse {
	return unitResponse{
		ID:         u.ID,
		State:      string(u.State),
		ResolverID: u.ResolverID,
		Template:   u.Template,
		Tier:       string(u.Tier),
		AnswerKind: string(u.AnswerKind),
		CreatedAt:  u.CreatedAt.Format(time.RFC3339),
	}
}

type disputeResponse struct {
	ID       string `json:"id"`
	UnitID   string `json:"unit_id"`
	Phase    string `json:"phase"`
	Disputer string `json:"disputer"`
	Resolved bool   `json:"resolved"`
}

func disputeResponseFrom(rec dispute.Record) disputeResponse {
	return disputeResponse{
		ID:       rec.ID,
		UnitID:   rec.UnitID,
		Phase:    string(rec.Phase),
		Disputer: rec.Disputer,
		Resolved: rec.ResolvedAt != nil,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps engine sentinels onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, unit.ErrNotFound), errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, resolver.ErrNotFound), errors.Is(err, bond.ErrNotFound),
		errors.Is(err, unit.ErrNoResult), errors.Is(err, resolver.ErrUnknownCapability):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, unit.ErrForbidden), errors.Is(err, dispute.ErrForbidden),
		errors.Is(err, resolver.ErrForbidden), errors.Is(err, bond.ErrForbidden),
		errors.Is(err, fee.ErrForbidden), errors.Is(err, adjudicator.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, unit.ErrInvalidState), errors.Is(err, dispute.ErrInvalidState),
		errors.Is(err, unit.ErrNotFinal), errors.Is(err, dispute.ErrAlreadyDecided),
		errors.Is(err, dispute.ErrNoDecision), errors.Is(err, bond.ErrNotLive),
		errors.Is(err, bond.ErrNothingToWithdraw), errors.Is(err, fee.ErrNothingToWithdraw):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, unit.ErrAlreadyExists), errors.Is(err, dispute.ErrAlreadyExists),
		errors.Is(err, resolver.ErrAlreadyRegistered):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, unit.ErrWindowTooLong), errors.Is(err, unit.ErrWindowOpen),
		errors.Is(err, dispute.ErrWindowOpen), errors.Is(err, dispute.ErrWindowClosed),
		errors.Is(err, unit.ErrInvalidTemplate), errors.Is(err, unit.ErrCreationRejected),
		errors.Is(err, bond.ErrRejected), errors.Is(err, fee.ErrInsufficient),
		errors.Is(err, fee.ErrUnknownTier):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
