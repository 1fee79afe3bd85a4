package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/stallwise/paycore/internal/money"
	"github.com/stallwise/paycore/internal/retry"
)

// DepositReceived(address from, bytes32 ref, uint256 amount), emitted
// by the payments contract at the platform address. The indexed ref
// keys every deposit to one payment, so confirmation never mixes
// concurrent payments.
var depositEventSig = crypto.Keccak256Hash([]byte("DepositReceived(address,bytes32,uint256)"))

// Chain is the crypto rail. Buyers deposit the ERC-20 token through
// the payments contract at the platform address, passing the reference
// we hand out at creation; the contract emits DepositReceived keyed by
// that reference, and the deposit relay echoes it back in its webhook.
// There is no authorization step on-chain, so Capture is a no-op and
// Refund requires an operator-run payout (not supported here).
type Chain struct {
	client        *ethclient.Client
	tokenContract common.Address
	platformAddr  common.Address
	webhookSecret string

	mu       sync.Mutex
	expected map[string]*big.Int // external ID -> token units
}

// NewChain connects to the RPC endpoint and returns the chain rail.
func NewChain(rpcURL, tokenContract, platformAddr, webhookSecret string) (*Chain, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return &Chain{
		client:        client,
		tokenContract: common.HexToAddress(tokenContract),
		platformAddr:  common.HexToAddress(platformAddr),
		webhookSecret: webhookSecret,
		expected:      make(map[string]*big.Int),
	}, nil
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) CreatePayment(ctx context.Context, req CreateRequest) (*Handle, error) {
	units, ok := money.ParseCoin(req.AmountCoin)
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("invalid coin amount %q", req.AmountCoin))
	}
	ref := depositReference(req.OrderID)

	c.mu.Lock()
	c.expected[ref] = units
	c.mu.Unlock()

	target := fmt.Sprintf("token:%s?to=%s&amount=%s&ref=%s",
		c.tokenContract.Hex(), c.platformAddr.Hex(), money.FormatCoin(units), ref)
	return &Handle{ExternalID: ref, ConfirmationTarget: target}, nil
}

// GetStatus scans recent DepositReceived logs for this payment's
// reference and reports succeeded once the expected amount has
// arrived. Expected amounts live only in memory, so after a restart
// the answer for an old payment is pending until the deposit relay's
// webhook lands.
func (c *Chain) GetStatus(ctx context.Context, externalID string) (Status, error) {
	c.mu.Lock()
	want, tracked := c.expected[externalID]
	c.mu.Unlock()
	if !tracked {
		return StatusPending, nil
	}

	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	logs, err := c.client.FilterLogs(ctx, c.depositQuery(head, externalID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if sumDeposits(logs).Cmp(want) >= 0 {
		return StatusSucceeded, nil
	}
	return StatusPending, nil
}

// depositQuery builds the log filter for one payment: DepositReceived
// from the payments contract with the payment's reference in the
// indexed ref topic.
func (c *Chain) depositQuery(head uint64, externalID string) ethereum.FilterQuery {
	from := uint64(0)
	if head > depositScanBlocks {
		from = head - depositScanBlocks
	}
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{c.platformAddr},
		Topics: [][]common.Hash{
			{depositEventSig},
			nil, // any sender
			{refTopic(externalID)},
		},
	}
}

// refTopic is the bytes32 the contract indexes for a reference.
func refTopic(externalID string) common.Hash {
	return crypto.Keccak256Hash([]byte(externalID))
}

// sumDeposits totals the amounts of the filtered deposit logs. Partial
// deposits against the same reference accumulate.
func sumDeposits(logs []types.Log) *big.Int {
	total := new(big.Int)
	for _, vLog := range logs {
		if len(vLog.Topics) < 3 {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(vLog.Data))
	}
	return total
}

// depositScanBlocks bounds the FilterLogs window. Roughly a day of
// blocks at 12s; deposits older than that are confirmed via webhook.
const depositScanBlocks = 7200

// Capture is a no-op: a confirmed deposit is already in the platform
// wallet, there is nothing to claim.
func (c *Chain) Capture(ctx context.Context, externalID string, amount string) error {
	return nil
}

// Refund is not automated on the chain rail. Returning funds means an
// operator-signed transfer out of the platform wallet.
func (c *Chain) Refund(ctx context.Context, externalID, amount, reason string) error {
	return retry.Permanent(errors.New("chain refunds require a manual payout"))
}

// Cancel forgets the expected deposit so a late transfer is ignored.
func (c *Chain) Cancel(ctx context.Context, externalID string) error {
	c.mu.Lock()
	delete(c.expected, externalID)
	c.mu.Unlock()
	return nil
}

// VerifyWebhookSignature checks the deposit relay's HMAC-SHA256 of the
// raw payload, hex-encoded in the signature header.
func (c *Chain) VerifyWebhookSignature(payload []byte, header string) error {
	if c.webhookSecret == "" {
		return fmt.Errorf("%w: no webhook secret configured", ErrSignature)
	}
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(header)) {
		return ErrSignature
	}
	return nil
}

// depositReference derives the deterministic deposit ID for an order.
// The relay includes it in every deposit notification so webhooks map
// back to the payment without a registry lookup.
func depositReference(orderID string) string {
	sum := sha256.Sum256([]byte("deposit:" + orderID))
	return "dep_" + hex.EncodeToString(sum[:12])
}
