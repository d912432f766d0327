package auth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/pkg/logger"
)

// 请求头。
const (
	HeaderSignature = "X-Relay-Signature"
	HeaderTimestamp = "X-Relay-Timestamp"
	HeaderNonce     = "X-Relay-Nonce"
)

const (
	defaultMaxSkew = 5 * time.Minute
	maxBodyBytes   = 1 << 20
	maxNonceLength = 128
)

// Service 校验 EIP-191 personal-sign 请求签名，并从角色表解析调用方角色。
//
// 签名内容为 METHOD\nPATH\nTIMESTAMP\nNONCE\nBODY。同一签名者的 nonce 在时间窗口内只能使用一次。
type Service struct {
	roles   RoleStore
	nonces  NonceStore
	maxSkew time.Duration
	now     func() time.Time
	audit   *slog.Logger
}

// Option 配置 Service。
type Option func(*Service)

// WithMaxSkew 设置时间戳允许的偏差。
func WithMaxSkew(skew time.Duration) Option {
	return func(s *Service) {
		if skew > 0 {
			s.maxSkew = skew
		}
	}
}

// WithClock 替换时钟，测试使用。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithNonceStore 替换 nonce 记录，多实例部署时应使用共享的 RedisNonceStore。
func WithNonceStore(store NonceStore) Option {
	return func(s *Service) {
		if store != nil {
			s.nonces = store
		}
	}
}

// NewService 构造签名校验服务，roles 为空时所有调用方都没有角色。
func NewService(roles RoleStore, opts ...Option) *Service {
	s := &Service{
		roles:   roles,
		maxSkew: defaultMaxSkew,
		now:     time.Now,
		audit:   logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.nonces == nil {
		s.nonces = NewMemoryNonceStore(func() time.Time { return s.now() })
	}
	return s
}

// SignatureMessage 返回待签名的原文。
func SignatureMessage(method, path string, timestamp int64, nonce string, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(strings.ToUpper(method))
	buf.WriteByte('\n')
	buf.WriteString(path)
	buf.WriteByte('\n')
	buf.WriteString(strconv.FormatInt(timestamp, 10))
	buf.WriteByte('\n')
	buf.WriteString(nonce)
	buf.WriteByte('\n')
	buf.Write(body)
	return buf.Bytes()
}

// Sign 使用私钥生成请求签名，V 取 27/28。
func Sign(key *ecdsa.PrivateKey, method, path string, timestamp int64, nonce string, body []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(SignatureMessage(method, path, timestamp, nonce, body)), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// SignRequest 为请求写入时间戳、随机 nonce 与签名头。
func SignRequest(r *http.Request, key *ecdsa.PrivateKey, body []byte, now time.Time) error {
	ts := now.Unix()
	nonce := uuid.NewString()
	sig, err := Sign(key, r.Method, r.URL.Path, ts, nonce, body)
	if err != nil {
		return err
	}
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, sig)
	return nil
}

// Recover 从签名恢复签名者地址。
func Recover(message []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return common.Address{}, xerrors.Wrap(CodeInvalidSignature, err, "签名不是合法的十六进制")
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, xerrors.New(CodeInvalidSignature, fmt.Sprintf("签名长度应为 %d 字节", crypto.SignatureLength))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return common.Address{}, xerrors.Wrap(CodeInvalidSignature, err, "无法从签名恢复公钥")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// AuthenticateRequest 校验请求签名并返回调用方。请求体会被读取后重新放回。
func (s *Service) AuthenticateRequest(ctx context.Context, r *http.Request) (*Subject, error) {
	signature := r.Header.Get(HeaderSignature)
	rawTS := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	if signature == "" || rawTS == "" || nonce == "" {
		return nil, xerrors.New(CodeMissingSignature, "缺少签名、时间戳或 nonce")
	}
	if len(nonce) > maxNonceLength {
		return nil, xerrors.New(CodeInvalidSignature, fmt.Sprintf("nonce 长度超过 %d", maxNonceLength))
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidSignature, err, "时间戳格式错误")
	}
	skew := s.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.maxSkew {
		return nil, xerrors.New(CodeStaleRequest, fmt.Sprintf("时间戳偏差 %s 超过 %s", skew.Truncate(time.Second), s.maxSkew))
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取请求体失败")
		}
		r.Body.Close()
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	addr, err := Recover(SignatureMessage(r.Method, r.URL.Path, ts, nonce, body), signature)
	if err != nil {
		return nil, err
	}
	// 记录保留到时间戳离开窗口为止，之后同一请求会因过期被拒绝。
	ttl := time.Unix(ts, 0).Add(s.maxSkew).Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	fresh, err := s.nonces.Remember(ctx, strings.ToLower(addr.Hex())+":"+nonce, ttl)
	if err != nil {
		return nil, err
	}
	if !fresh {
		s.audit.Warn("重放请求被拒绝",
			slog.String("signer", addr.Hex()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path))
		return nil, xerrors.New(CodeReplayedRequest, "请求已被处理过")
	}
	subject := &Subject{Address: addr}
	if s.roles != nil {
		roles, err := s.roles.Roles(ctx, addr)
		if err != nil {
			return nil, err
		}
		subject.Roles = roles
	}
	return subject, nil
}
