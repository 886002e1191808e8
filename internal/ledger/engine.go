package ledger

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "Attest-Chain/internal/errors"
	"Attest-Chain/internal/escrow"
	"Attest-Chain/internal/identity"
	"Attest-Chain/internal/nonce"
	"Attest-Chain/internal/observability/alerting"
	"Attest-Chain/internal/signing"
	"Attest-Chain/pkg/logger"
)

// Escrow 是持有请求方锁定资金的外部协作方。
type Escrow interface {
	Address() common.Address
	PrepareRelease(ctx context.Context, caller common.Address, rel signing.ReleaseTokens, sig []byte) (escrow.Settlement, error)
}

// Recorder 记录每次操作的结果与耗时。
type Recorder interface {
	ObserveOperation(operation string, code xerrors.Code, elapsed time.Duration)
}

// Config 描述引擎实例。
type Config struct {
	// Address is the engine's own address. It is the verifying contract of
	// the engine domain and the caller presented to the escrow.
	Address         common.Address
	Domain          signing.Domain
	Initializer     common.Address
	EscrowAuthority common.Address
}

// Engine is the attestation ledger. Every state-changing operation runs under
// a single lock and inside one store transaction, so operations are
// linearized and either fully applied or not applied at all.
type Engine struct {
	mu       sync.Mutex
	address  common.Address
	domain   signing.Domain
	store    Store
	escrows  map[common.Address]Escrow
	identity identity.Registry
	emitter  Emitter
	dispatch *dispatcher
	recorder Recorder
	alerter  alerting.Dispatcher
	logger   *slog.Logger
	now      func() time.Time
}

// Option 定义可选配置。
type Option func(*Engine)

// WithEscrow 注册一个托管实例，按其地址匹配 EscrowAuthority。
func WithEscrow(esc Escrow) Option {
	return func(e *Engine) {
		if esc != nil {
			e.escrows[esc.Address()] = esc
		}
	}
}

// WithIdentity 指定身份注册表。
func WithIdentity(reg identity.Registry) Option {
	return func(e *Engine) {
		if reg != nil {
			e.identity = reg
		}
	}
}

// WithEmitter 指定事件出口。
func WithEmitter(em Emitter) Option {
	return func(e *Engine) {
		if em != nil {
			e.emitter = em
		}
	}
}

// WithRecorder 指定指标记录器。
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(e *Engine) {
		e.alerter = d
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock 替换时间来源，用于测试。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New 构造引擎。首次使用某个存储时写入初始阶段与初始化者；
// 之后的启动沿用已持久化的状态。
func New(ctx context.Context, cfg Config, store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本存储未配置")
	}
	if cfg.Initializer == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "initializer 不能为空")
	}
	domain := cfg.Domain.At(cfg.Address)
	if err := domain.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "签名域配置无效")
	}

	e := &Engine{
		address:  cfg.Address,
		domain:   domain,
		store:    store,
		escrows:  make(map[common.Address]Escrow),
		identity: identity.NewMemoryRegistry(),
		emitter:  discardEmitter{},
		logger:   logger.Named("ledger"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.dispatch = newDispatcher(e.emitter)

	if err := e.bootstrap(ctx, cfg); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) bootstrap(ctx context.Context, cfg Config) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return storageError(err, "开启事务失败")
	}
	defer tx.Rollback()

	meta, found, err := tx.Meta(ctx)
	if err != nil {
		return storageError(err, "读取引擎状态失败")
	}
	if found {
		if meta.Initializer != cfg.Initializer {
			return xerrors.New(xerrors.CodeInitializationFailure, "存储中的 initializer 与配置不一致",
				xerrors.WithMetadata("stored", meta.Initializer.Hex()),
				xerrors.WithMetadata("configured", cfg.Initializer.Hex()))
		}
		return nil
	}
	meta = Meta{
		Phase:           PhaseInitializing,
		Initializer:     cfg.Initializer,
		EscrowAuthority: cfg.EscrowAuthority,
	}
	if err := tx.PutMeta(ctx, meta); err != nil {
		return storageError(err, "写入引擎状态失败")
	}
	if err := tx.Commit(); err != nil {
		return storageError(err, "提交事务失败")
	}
	return nil
}

// Address returns the engine address.
func (e *Engine) Address() common.Address { return e.address }

// Domain returns the signing domain for engine-verified messages.
func (e *Engine) Domain() signing.Domain { return e.domain.At(e.address) }

// Attest issues an attestation with the caller acting as attester.
func (e *Engine) Attest(ctx context.Context, caller common.Address, req AttestRequest) (Attestation, error) {
	var issued Attestation
	err := e.run(ctx, "attest", func(tx Tx, fx *effects) error {
		rec, err := e.issue(ctx, tx, fx, caller, req, nil)
		issued = rec
		return err
	})
	return issued, err
}

// AttestFor issues an attestation relayed by caller on behalf of req.Attester.
func (e *Engine) AttestFor(ctx context.Context, caller common.Address, req DelegatedAttest) (Attestation, error) {
	var issued Attestation
	err := e.run(ctx, "attest_for", func(tx Tx, fx *effects) error {
		if req.RevocationLink != (common.Hash{}) {
			return ErrInvalidRequest.With(xerrors.WithMetadata("reason", "revocation link is not part of the delegation"))
		}
		delegation := signing.AttestFor{
			Attester:     req.Attester,
			Subject:      req.Subject,
			Requester:    req.Requester,
			Reward:       rewardOf(req.Reward),
			PaymentNonce: req.PaymentNonce,
			DataHash:     req.DataHash,
			RequestNonce: req.RequestNonce,
		}
		if err := e.verifyDelegation(delegation, req.DelegationSig, req.Attester); err != nil {
			return err
		}
		fx.attr("relayer", caller.Hex())
		rec, err := e.issue(ctx, tx, fx, req.Attester, req.AttestRequest, delegation)
		issued = rec
		return err
	})
	return issued, err
}

// Contest rejects a request with the caller acting as attester.
func (e *Engine) Contest(ctx context.Context, caller common.Address, req ContestRequest) error {
	return e.run(ctx, "contest", func(tx Tx, fx *effects) error {
		return e.reject(ctx, tx, fx, caller, req, nil)
	})
}

// ContestFor rejects a request relayed by caller on behalf of req.Attester.
func (e *Engine) ContestFor(ctx context.Context, caller common.Address, req DelegatedContest) error {
	return e.run(ctx, "contest_for", func(tx Tx, fx *effects) error {
		delegation := signing.ContestFor{
			Attester:     req.Attester,
			Requester:    req.Requester,
			Reward:       rewardOf(req.Reward),
			PaymentNonce: req.PaymentNonce,
		}
		if err := e.verifyDelegation(delegation, req.DelegationSig, req.Attester); err != nil {
			return err
		}
		fx.attr("relayer", caller.Hex())
		return e.reject(ctx, tx, fx, req.Attester, req.ContestRequest, delegation)
	})
}

// RevokeAttestation revokes link with the caller acting as attester.
func (e *Engine) RevokeAttestation(ctx context.Context, caller common.Address, link common.Hash) error {
	return e.run(ctx, "revoke", func(tx Tx, fx *effects) error {
		return e.revoke(ctx, tx, fx, caller, link, nil)
	})
}

// RevokeAttestationFor revokes req.Link relayed by caller on behalf of
// req.Attester. A link other than the signed one recovers a different signer
// and fails as an invalid delegation wrapping an invalid signature.
func (e *Engine) RevokeAttestationFor(ctx context.Context, caller common.Address, req DelegatedRevoke) error {
	return e.run(ctx, "revoke_for", func(tx Tx, fx *effects) error {
		delegation := signing.RevokeAttestationFor{Link: req.Link}
		if err := e.verifyDelegation(delegation, req.DelegationSig, req.Attester); err != nil {
			return err
		}
		fx.attr("relayer", caller.Hex())
		return e.revoke(ctx, tx, fx, req.Attester, req.Link, delegation)
	})
}

// SetEscrowAuthority points the engine at a different escrow.
func (e *Engine) SetEscrowAuthority(ctx context.Context, caller, authority common.Address) error {
	return e.run(ctx, "set_escrow_authority", func(tx Tx, fx *effects) error {
		meta, err := e.privileged(ctx, tx, caller)
		if err != nil {
			return err
		}
		previous := meta.EscrowAuthority
		meta.EscrowAuthority = authority
		if err := tx.PutMeta(ctx, meta); err != nil {
			return storageError(err, "写入引擎状态失败")
		}
		fx.message = "托管地址已更新"
		fx.attr("previous", previous.Hex())
		fx.attr("authority", authority.Hex())
		return nil
	})
}

// MigrateAttestation writes a trusted record without any signature or nonce
// checks. Only the initializer may call it, and only before finalization.
func (e *Engine) MigrateAttestation(ctx context.Context, caller common.Address, m Migration) (Attestation, error) {
	var migrated Attestation
	err := e.run(ctx, "migrate", func(tx Tx, fx *effects) error {
		if _, err := e.privileged(ctx, tx, caller); err != nil {
			return err
		}
		prior, err := e.claimLink(ctx, tx, m.RevocationLink, m.Attester)
		if err != nil {
			return err
		}
		rec := Attestation{
			Subject:        m.Subject,
			Attester:       m.Attester,
			Requester:      m.Requester,
			DataHash:       m.DataHash,
			RevocationLink: m.RevocationLink,
			Migrated:       true,
			CreatedAt:      e.now().UTC(),
		}
		if err := e.record(ctx, tx, fx, &rec, prior); err != nil {
			return err
		}
		migrated = rec
		fx.message = "认证已迁移"
		return nil
	})
	return migrated, err
}

// EndInitialization moves the engine to PhaseFinalized. A second call fails
// with ErrInitializationEnded.
func (e *Engine) EndInitialization(ctx context.Context, caller common.Address) error {
	return e.run(ctx, "end_initialization", func(tx Tx, fx *effects) error {
		meta, err := e.privileged(ctx, tx, caller)
		if err != nil {
			return err
		}
		meta.Phase = PhaseFinalized
		if err := tx.PutMeta(ctx, meta); err != nil {
			return storageError(err, "写入引擎状态失败")
		}
		fx.message = "初始化阶段结束"
		return nil
	})
}

// Status 返回引擎状态快照。
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var status Status
	err := e.view(ctx, func(tx Tx) error {
		meta, err := loadMeta(ctx, tx)
		if err != nil {
			return err
		}
		status = Status{Meta: meta, Address: e.address, Domain: domainInfo(e.domain)}
		return nil
	})
	return status, err
}

// Attestation 按 ID 读取记录。
func (e *Engine) Attestation(ctx context.Context, id uint64) (Attestation, error) {
	var rec Attestation
	err := e.view(ctx, func(tx Tx) error {
		var err error
		rec, err = tx.Attestation(ctx, id)
		return err
	})
	return rec, err
}

// Revocation 按撤销链接读取状态。
func (e *Engine) Revocation(ctx context.Context, link common.Hash) (Revocation, error) {
	var rev Revocation
	err := e.view(ctx, func(tx Tx) error {
		found, ok, err := tx.Link(ctx, link)
		if err != nil {
			return storageError(err, "读取撤销链接失败")
		}
		if !ok {
			return ErrLinkNotFound.With(xerrors.WithMetadata("link", link.Hex()))
		}
		rev = found
		return nil
	})
	return rev, err
}

func (e *Engine) issue(ctx context.Context, tx Tx, fx *effects, attester common.Address, req AttestRequest, delegation signing.Message) (Attestation, error) {
	request := signing.AttestationRequest{DataHash: req.DataHash, Nonce: req.RequestNonce}
	if err := signing.Verify(e.domain, request, req.SubjectSig, req.Subject); err != nil {
		return Attestation{}, err
	}
	if err := nonce.Reserve(ctx, tx, nonce.Key{Signer: req.Subject, Purpose: nonce.PurposeAttestationRequest, Value: req.RequestNonce}); err != nil {
		return Attestation{}, err
	}
	if err := e.reserveDelegation(ctx, tx, attester, delegation); err != nil {
		return Attestation{}, err
	}
	prior, err := e.claimLink(ctx, tx, req.RevocationLink, attester)
	if err != nil {
		return Attestation{}, err
	}
	if err := e.release(ctx, tx, fx, req.Requester, attester, req.Reward, req.PaymentNonce, req.RequesterSig); err != nil {
		return Attestation{}, err
	}

	rec := Attestation{
		Subject:        req.Subject,
		Attester:       attester,
		Requester:      req.Requester,
		DataHash:       req.DataHash,
		RevocationLink: req.RevocationLink,
		CreatedAt:      e.now().UTC(),
	}
	if err := e.record(ctx, tx, fx, &rec, prior); err != nil {
		return Attestation{}, err
	}
	fx.message = "认证已签发"
	fx.attr("reward", rewardOf(req.Reward).String())
	return rec, nil
}

// record inserts rec, binds its revocation link and queues the Issued event.
// A revocation the same attester filed for the link in advance carries over
// to the new record.
func (e *Engine) record(ctx context.Context, tx Tx, fx *effects, rec *Attestation, prior *Revocation) error {
	link := Revocation{Link: rec.RevocationLink, Attester: rec.Attester}
	if prior != nil && prior.Revoked {
		rec.Revoked = true
		link.Revoked = true
		link.RevokedAt = prior.RevokedAt
	}
	if err := tx.InsertAttestation(ctx, rec); err != nil {
		return storageError(err, "写入认证记录失败")
	}
	if rec.HasLink() {
		link.AttestationID = rec.ID
		if err := tx.PutLink(ctx, link); err != nil {
			return storageError(err, "写入撤销链接失败")
		}
	}

	ids, err := e.identities(ctx, rec.Subject, rec.Attester, rec.Requester)
	if err != nil {
		return err
	}
	fx.events = append(fx.events, Event{
		Kind:           EventIssued,
		AttestationID:  rec.ID,
		Subject:        rec.Subject,
		Attester:       rec.Attester,
		Requester:      rec.Requester,
		SubjectID:      ids[0],
		AttesterID:     ids[1],
		RequesterID:    ids[2],
		DataHash:       rec.DataHash,
		RevocationLink: rec.RevocationLink,
		Migrated:       rec.Migrated,
	})
	fx.attr("attestation_id", rec.ID)
	fx.attr("subject", rec.Subject.Hex())
	fx.attr("attester", rec.Attester.Hex())
	fx.attr("requester", rec.Requester.Hex())
	fx.attr("data_hash", rec.DataHash.Hex())
	return nil
}

func (e *Engine) reject(ctx context.Context, tx Tx, fx *effects, attester common.Address, req ContestRequest, delegation signing.Message) error {
	if err := e.reserveDelegation(ctx, tx, attester, delegation); err != nil {
		return err
	}
	if err := e.release(ctx, tx, fx, req.Requester, attester, req.Reward, req.PaymentNonce, req.RequesterSig); err != nil {
		return err
	}
	ids, err := e.identities(ctx, attester, req.Requester)
	if err != nil {
		return err
	}
	fx.events = append(fx.events, Event{
		Kind:        EventRejected,
		Attester:    attester,
		Requester:   req.Requester,
		AttesterID:  ids[0],
		RequesterID: ids[1],
	})
	fx.message = "认证请求已拒绝"
	fx.attr("attester", attester.Hex())
	fx.attr("requester", req.Requester.Hex())
	fx.attr("reward", rewardOf(req.Reward).String())
	return nil
}

func (e *Engine) revoke(ctx context.Context, tx Tx, fx *effects, attester common.Address, link common.Hash, delegation signing.Message) error {
	if link == (common.Hash{}) {
		return ErrInvalidRequest.With(xerrors.WithMetadata("reason", "revocation link is empty"))
	}
	rev, found, err := tx.Link(ctx, link)
	if err != nil {
		return storageError(err, "读取撤销链接失败")
	}
	if found {
		if rev.Revoked {
			return ErrAlreadyRevoked.With(xerrors.WithMetadata("link", link.Hex()))
		}
		if rev.Attester != attester {
			return ErrUnauthorized.With(
				xerrors.WithMetadata("link", link.Hex()),
				xerrors.WithMetadata("caller", attester.Hex()),
			)
		}
	} else {
		rev = Revocation{Link: link, Attester: attester}
	}
	if err := e.reserveDelegation(ctx, tx, attester, delegation); err != nil {
		return err
	}

	rev.Revoked = true
	rev.RevokedAt = e.now().UTC()
	if rev.AttestationID != 0 {
		if err := tx.MarkRevoked(ctx, rev.AttestationID); err != nil {
			return storageError(err, "更新认证记录失败")
		}
	}
	if err := tx.PutLink(ctx, rev); err != nil {
		return storageError(err, "写入撤销链接失败")
	}

	ids, err := e.identities(ctx, attester)
	if err != nil {
		return err
	}
	fx.events = append(fx.events, Event{
		Kind:           EventRevoked,
		AttestationID:  rev.AttestationID,
		Attester:       attester,
		AttesterID:     ids[0],
		RevocationLink: link,
	})
	fx.message = "认证已撤销"
	fx.attr("attester", attester.Hex())
	fx.attr("link", link.Hex())
	return nil
}

func (e *Engine) verifyDelegation(msg signing.Message, sig []byte, declared common.Address) error {
	signer, err := signing.Recover(e.domain, msg, sig)
	if err != nil {
		return xerrors.Wrap(CodeInvalidDelegation, err, "")
	}
	if signer != declared {
		cause := signing.ErrInvalidSignature.With(
			xerrors.WithMetadata("kind", string(msg.Kind())),
			xerrors.WithMetadata("expected", declared.Hex()),
			xerrors.WithMetadata("recovered", signer.Hex()),
		)
		return xerrors.Wrap(CodeInvalidDelegation, cause, "")
	}
	return nil
}

// reserveDelegation burns the digest of an accepted delegation so the same
// delegation cannot be relayed twice.
func (e *Engine) reserveDelegation(ctx context.Context, tx Tx, attester common.Address, delegation signing.Message) error {
	if delegation == nil {
		return nil
	}
	digest, err := signing.Digest(e.domain, delegation)
	if err != nil {
		return xerrors.Wrap(CodeInvalidDelegation, err, "")
	}
	return nonce.Reserve(ctx, tx, nonce.Key{Signer: attester, Purpose: nonce.PurposeDelegation, Value: digest})
}

// claimLink checks that link can be bound to a new record by attester. A link
// bound to an existing record is taken. A revocation filed before any record
// existed does not reserve the link: if attester filed it, it is returned so
// the new record starts revoked; a revocation by anyone else is superseded.
func (e *Engine) claimLink(ctx context.Context, tx Tx, link common.Hash, attester common.Address) (*Revocation, error) {
	if link == (common.Hash{}) {
		return nil, nil
	}
	rev, found, err := tx.Link(ctx, link)
	if err != nil {
		return nil, storageError(err, "读取撤销链接失败")
	}
	if !found {
		return nil, nil
	}
	if rev.AttestationID != 0 {
		return nil, ErrLinkTaken.With(xerrors.WithMetadata("link", link.Hex()))
	}
	if rev.Attester != attester {
		return nil, nil
	}
	return &rev, nil
}

func (e *Engine) release(ctx context.Context, tx Tx, fx *effects, payer, payee common.Address, amount *big.Int, paymentNonce common.Hash, sig []byte) error {
	meta, err := loadMeta(ctx, tx)
	if err != nil {
		return err
	}
	esc, ok := e.escrows[meta.EscrowAuthority]
	if !ok {
		cause := ErrEscrowUnavailable.With(xerrors.WithMetadata("authority", meta.EscrowAuthority.Hex()))
		return xerrors.Wrap(CodeEscrowReleaseFailed, cause, "", xerrors.WithAlert(true), xerrors.WithSeverity(xerrors.SeverityCritical))
	}
	settlement, err := esc.PrepareRelease(ctx, e.address, signing.ReleaseTokens{
		Payer:  payer,
		Payee:  payee,
		Amount: rewardOf(amount),
		Nonce:  paymentNonce,
	}, sig)
	if err != nil {
		return xerrors.Wrap(CodeEscrowReleaseFailed, err, "",
			xerrors.WithMetadata("payer", payer.Hex()),
			xerrors.WithMetadata("payee", payee.Hex()),
		)
	}
	fx.settlement = settlement
	return nil
}

func (e *Engine) privileged(ctx context.Context, tx Tx, caller common.Address) (Meta, error) {
	meta, err := loadMeta(ctx, tx)
	if err != nil {
		return Meta{}, err
	}
	if caller != meta.Initializer {
		return Meta{}, ErrUnauthorized.With(xerrors.WithMetadata("caller", caller.Hex()))
	}
	if meta.Phase != PhaseInitializing {
		return Meta{}, ErrInitializationEnded
	}
	return meta, nil
}

func (e *Engine) identities(ctx context.Context, accounts ...common.Address) ([]uint64, error) {
	ids := make([]uint64, len(accounts))
	for i, account := range accounts {
		id, err := e.identity.IdentityOf(ctx, account)
		if err != nil {
			if _, ok := xerrors.From(err); ok {
				return nil, err
			}
			return nil, xerrors.Wrap(identity.CodeIdentityFailure, err, "")
		}
		ids[i] = id
	}
	return ids, nil
}

func loadMeta(ctx context.Context, tx Tx) (Meta, error) {
	meta, found, err := tx.Meta(ctx)
	if err != nil {
		return Meta{}, storageError(err, "读取引擎状态失败")
	}
	if !found {
		return Meta{}, xerrors.New(xerrors.CodeInitializationFailure, "引擎状态缺失")
	}
	return meta, nil
}

func storageError(err error, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

func rewardOf(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func domainInfo(d signing.Domain) DomainInfo {
	chainID := "0"
	if d.ChainID != nil {
		chainID = d.ChainID.String()
	}
	return DomainInfo{Name: d.Name, Version: d.Version, ChainID: chainID, VerifyingContract: d.VerifyingContract}
}

// effects collects what an operation will publish once its transaction has
// committed.
type effects struct {
	settlement escrow.Settlement
	events     []Event
	message    string
	attrs      []any
}

func (fx *effects) attr(key string, value any) {
	fx.attrs = append(fx.attrs, slog.Any(key, value))
}

func (fx *effects) abort() {
	if fx.settlement != nil {
		fx.settlement.Abort()
		fx.settlement = nil
	}
}

func (e *Engine) run(ctx context.Context, op string, fn func(tx Tx, fx *effects) error) (err error) {
	started := e.now()
	defer func() { e.finish(ctx, op, started, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, beginErr := e.store.Begin(ctx)
	if beginErr != nil {
		return storageError(beginErr, "开启事务失败")
	}
	fx := &effects{}
	if opErr := fn(tx, fx); opErr != nil {
		fx.abort()
		_ = tx.Rollback()
		return opErr
	}
	if commitErr := tx.Commit(); commitErr != nil {
		fx.abort()
		_ = tx.Rollback()
		return storageError(commitErr, "提交事务失败")
	}
	if fx.settlement != nil {
		if settleErr := fx.settlement.Commit(); settleErr != nil {
			diverged := xerrors.Wrap(CodeSettlementDiverged, settleErr, "")
			e.logger.Error("托管结算提交失败", slog.String("operation", op), slog.Any("error", diverged))
			e.alert(ctx, op, diverged)
		}
	}

	emittedAt := e.now().UTC()
	for i := range fx.events {
		fx.events[i].ID = uuid.NewString()
		fx.events[i].EmittedAt = emittedAt
	}
	if !e.dispatch.enqueue(fx.events) {
		e.logger.Warn("引擎已关闭，事件未发布", slog.String("operation", op), slog.Int("events", len(fx.events)))
	}
	if fx.message != "" {
		logger.Audit().Info(fx.message, append([]any{slog.String("operation", op)}, fx.attrs...)...)
	}
	return nil
}

func (e *Engine) view(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return storageError(err, "开启事务失败")
	}
	defer tx.Rollback()
	return fn(tx)
}

func (e *Engine) finish(ctx context.Context, op string, started time.Time, err error) {
	code := xerrors.Code("OK")
	if err != nil {
		code = xerrors.CodeOf(err)
	}
	if e.recorder != nil {
		e.recorder.ObserveOperation(op, code, e.now().Sub(started))
	}
	if err == nil {
		return
	}
	attrs := []any{slog.String("operation", op), slog.String("code", string(code)), slog.Any("error", err)}
	if xerrors.SeverityOf(err) == xerrors.SeverityCritical {
		e.logger.Error("账本操作失败", attrs...)
	} else {
		e.logger.Warn("账本操作被拒绝", attrs...)
	}
	if xerrors.ShouldAlert(err) {
		e.alert(ctx, op, err)
	}
}

func (e *Engine) alert(ctx context.Context, op string, err error) {
	if e.alerter == nil {
		return
	}
	if notifyErr := e.alerter.Notify(ctx, alerting.FromError(op, err)); notifyErr != nil {
		e.logger.Warn("告警发送失败", slog.String("operation", op), slog.Any("error", notifyErr))
	}
}
