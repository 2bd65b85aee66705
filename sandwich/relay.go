package sandwich

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/sandwich-searcher/metrics"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
)

const flashbotsSignatureHeader = "X-Flashbots-Signature"

// SendBundleArgs is the eth_sendBundle payload.
type SendBundleArgs struct {
	Txs             []hexutil.Bytes `json:"txs"`
	BlockNumber     hexutil.Uint64  `json:"blockNumber"`
	MinTimestamp    *uint64         `json:"minTimestamp,omitempty"`
	MaxTimestamp    *uint64         `json:"maxTimestamp,omitempty"`
	ReplacementUUID string          `json:"replacementUuid,omitempty"`
}

type SendBundleResponse struct {
	BundleHash common.Hash `json:"bundleHash"`
}

func NewSendBundleArgs(bundle *Bundle) *SendBundleArgs {
	raw := bundle.RawTransactions()
	txs := make([]hexutil.Bytes, len(raw))
	for i, r := range raw {
		txs[i] = r
	}
	args := &SendBundleArgs{
		Txs:             txs,
		BlockNumber:     hexutil.Uint64(bundle.TargetBlock()),
		ReplacementUUID: bundle.ReplacementUUID().String(),
	}
	if ts := bundle.MinTimestamp(); ts != 0 {
		args.MinTimestamp = &ts
	}
	if ts := bundle.MaxTimestamp(); ts != 0 {
		args.MaxTimestamp = &ts
	}
	return args
}

type RelayBackend interface {
	String() string
	SendBundle(ctx context.Context, args *SendBundleArgs) (*SendBundleResponse, error)
}

// JSONRPCRelay talks to one block builder relay. Every request carries a
// signature of its body made with the searcher's reputation key.
type JSONRPCRelay struct {
	url    string
	client jsonrpc.RPCClient
}

func NewJSONRPCRelay(url string, authKey *ecdsa.PrivateKey, timeout time.Duration) *JSONRPCRelay {
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: newSigningTransport(authKey, http.DefaultTransport),
	}
	return &JSONRPCRelay{
		url:    url,
		client: jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{HTTPClient: httpClient}),
	}
}

func (r *JSONRPCRelay) String() string {
	return r.url
}

func (r *JSONRPCRelay) SendBundle(ctx context.Context, args *SendBundleArgs) (*SendBundleResponse, error) {
	res, err := r.client.Call(ctx, "eth_sendBundle", []*SendBundleArgs{args})
	// relays answer refusals with an error object, sometimes with a 4xx status as well
	if res != nil && res.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrRelayRejected, res.Error.Message)
	}
	if err != nil {
		return nil, transient(err)
	}
	var out SendBundleResponse
	if err := res.GetObject(&out); err != nil {
		return nil, transient(err)
	}
	return &out, nil
}

type signingTransport struct {
	key     *ecdsa.PrivateKey
	address common.Address
	base    http.RoundTripper
}

func newSigningTransport(key *ecdsa.PrivateKey, base http.RoundTripper) *signingTransport {
	return &signingTransport{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		base:    base,
	}
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = b
	}
	signature, err := flashbotsSignature(t.key, body)
	if err != nil {
		return nil, err
	}

	signed := req.Clone(req.Context())
	signed.Body = io.NopCloser(bytes.NewReader(body))
	signed.ContentLength = int64(len(body))
	signed.Header.Set(flashbotsSignatureHeader, signature)
	return t.base.RoundTrip(signed)
}

// flashbotsSignature signs the hex keccak of body as a personal message: "address:signature".
func flashbotsSignature(key *ecdsa.PrivateKey, body []byte) (string, error) {
	hash := crypto.Keccak256Hash(body).Hex()
	sig, err := crypto.Sign(accounts.TextHash([]byte(hash)), key)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex() + ":" + hexutil.Encode(sig), nil
}

type RelaySubmitterConfig struct {
	MaxRetries    uint64
	RetryInterval time.Duration
}

var DefaultRelaySubmitterConfig = RelaySubmitterConfig{
	MaxRetries:    2,
	RetryInterval: 25 * time.Millisecond,
}

type SubmitResult struct {
	BundleHash common.Hash
	AcceptedBy []string
}

// RelaySubmitter sends a bundle to every relay at once. A bundle is accepted
// when any relay accepts it. Refusals are final, transport failures resend the
// identical payload while the deadline allows.
type RelaySubmitter struct {
	log    *zap.Logger
	relays []RelayBackend
	cfg    RelaySubmitterConfig
}

func NewRelaySubmitter(log *zap.Logger, relays []RelayBackend, cfg RelaySubmitterConfig) *RelaySubmitter {
	return &RelaySubmitter{
		log:    log.Named("relay"),
		relays: relays,
		cfg:    cfg,
	}
}

func (s *RelaySubmitter) Submit(ctx context.Context, bundle *Bundle) (SubmitResult, error) {
	args := NewSendBundleArgs(bundle)
	log := s.log.With(zap.String("bundleHash", bundle.Hash().Hex()), zap.Uint64("targetBlock", bundle.TargetBlock()))

	var (
		mu       sync.Mutex
		result   = SubmitResult{BundleHash: bundle.Hash()}
		failures []error
		wg       sync.WaitGroup
	)
	for _, relay := range s.relays {
		wg.Add(1)
		go func(relay RelayBackend) {
			defer wg.Done()
			err := s.send(ctx, relay, args)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Debug("Relay did not accept bundle", zap.String("relay", relay.String()), zap.Error(err))
				failures = append(failures, fmt.Errorf("%s: %w", relay.String(), err))
				return
			}
			result.AcceptedBy = append(result.AcceptedBy, relay.String())
		}(relay)
	}
	wg.Wait()

	metrics.IncBundlesSubmitted()
	if len(result.AcceptedBy) > 0 {
		metrics.IncBundlesAccepted()
		log.Info("Bundle accepted", zap.String("relays", strings.Join(result.AcceptedBy, ",")))
		return result, nil
	}

	err := errors.Join(failures...)
	for _, f := range failures {
		if errors.Is(f, ErrRelayRejected) {
			return result, errors.Join(ErrNoRelayAccepted, err)
		}
	}
	if err == nil {
		return result, ErrNoRelayAccepted
	}
	return result, transient(err)
}

func (s *RelaySubmitter) send(ctx context.Context, relay RelayBackend, args *SendBundleArgs) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryInterval

	return backoff.Retry(func() error {
		start := time.Now()
		_, err := relay.SendBundle(ctx, args)
		metrics.RecordRelayCallDuration(relay.String(), time.Since(start).Milliseconds())
		if err == nil {
			return nil
		}
		metrics.IncRelayCallFailure(relay.String())
		if errors.Is(err, ErrRelayRejected) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, s.cfg.MaxRetries), ctx))
}
