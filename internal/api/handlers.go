package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	xerrors "Attest-Chain/internal/errors"
	"Attest-Chain/internal/ledger"
	"Attest-Chain/internal/nonce"
	"Attest-Chain/internal/signing"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.ledger.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleGetAttestation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		s.writeError(w, r, ledger.ErrInvalidRequest.With(xerrors.WithMetadata("id", chi.URLParam(r, "id"))))
		return
	}
	rec, err := s.ledger.Attestation(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetRevocation(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "link")
	if !isHash(raw) {
		s.writeError(w, r, ledger.ErrInvalidRequest.With(xerrors.WithMetadata("link", raw)))
		return
	}
	rev, err := s.ledger.Revocation(r.Context(), common.HexToHash(raw))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	if s.balances == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Code: string(xerrors.CodeNotFound), Message: "托管余额查询未启用"})
		return
	}
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		s.writeError(w, r, ledger.ErrInvalidRequest.With(xerrors.WithMetadata("address", raw)))
		return
	}
	account := common.HexToAddress(raw)
	liquid, err := s.balances.Balance(r.Context(), account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	locked, err := s.balances.LockedBalance(r.Context(), account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Account: account,
		Liquid:  liquid.String(),
		Locked:  locked.String(),
	})
}

func (s *Server) handleAttestFor(w http.ResponseWriter, r *http.Request) {
	var req attestForRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.ledger.AttestFor(r.Context(), relayer(r), req.toLedger())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleContestFor(w http.ResponseWriter, r *http.Request) {
	var req contestForRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ledger.ContestFor(r.Context(), relayer(r), req.toLedger()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "rejected"})
}

func (s *Server) handleRevokeFor(w http.ResponseWriter, r *http.Request) {
	var req revokeForRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.ledger.RevokeAttestationFor(r.Context(), relayer(r), ledger.DelegatedRevoke{
		Link:          req.Link,
		Attester:      req.Attester,
		DelegationSig: req.DelegationSig,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "revoked"})
}

func (s *Server) handleSetEscrowAuthority(w http.ResponseWriter, r *http.Request) {
	var req escrowAuthorityRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := s.initializer(w, r)
	if !ok {
		return
	}
	if err := s.ledger.SetEscrowAuthority(r.Context(), caller, req.Authority); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "updated"})
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req migrationRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := s.initializer(w, r)
	if !ok {
		return
	}
	rec, err := s.ledger.MigrateAttestation(r.Context(), caller, ledger.Migration{
		Attester:       req.Attester,
		Requester:      req.Requester,
		Subject:        req.Subject,
		DataHash:       req.DataHash,
		RevocationLink: req.RevocationLink,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleEndInitialization(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.initializer(w, r)
	if !ok {
		return
	}
	if err := s.ledger.EndInitialization(r.Context(), caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "finalized"})
}

// initializer 返回管理请求代表的调用方：持有管理口令即视为初始化者。
func (s *Server) initializer(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	status, err := s.ledger.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return common.Address{}, false
	}
	return status.Initializer, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := xerrors.CodeOf(err)
	body := errorResponse{Code: string(code), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Metadata = e.Metadata()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("request_id", w.Header().Get(requestIDHeader)),
			slog.Any("error", err),
		)
		// 内部错误不向调用方暴露细节。
		body.Message = xerrors.AttributesOf(code).Message
		body.Metadata = nil
	}
	writeJSON(w, status, body)
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	if errors.Is(err, ledger.ErrEscrowUnavailable) {
		return http.StatusServiceUnavailable
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeUnauthorized:
		return http.StatusForbidden
	case ledger.CodeInvalidDelegation, signing.CodeInvalidSignature, ledger.CodeEscrowReleaseFailed:
		return http.StatusUnprocessableEntity
	case nonce.CodeNonceAlreadyUsed, ledger.CodeAlreadyRevoked, ledger.CodeLinkTaken, ledger.CodeInitializationEnded, xerrors.CodeConflict:
		return http.StatusConflict
	}
	if xerrors.RetryableError(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func relayer(r *http.Request) common.Address {
	raw := r.Header.Get(RelayerHeader)
	if common.IsHexAddress(raw) {
		return common.HexToAddress(raw)
	}
	return common.Address{}
}

func isHash(raw string) bool {
	b, err := hexutil.Decode(raw)
	return err == nil && len(b) == common.HashLength
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
