package payclient

import (
	"context"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/payflow/internal/rates"
)

const defaultMaxPacketAmount = 1 << 16

// Loopback is an in-process receiver registry implementing Client. It moves
// no packets anywhere; it applies the price table like a well-behaved
// connector would and tracks delivered totals per receiver. Used by memory
// dev mode and lifecycle tests, including injected mid-payment failures.
type Loopback struct {
	mu              sync.Mutex
	receivers       map[string]*loopbackReceiver
	prices          map[string]decimal.Decimal
	maxPacketAmount uint64
	nextFailure     *injectedFailure
}

type loopbackReceiver struct {
	url            string
	assetCode      string
	assetScale     uint8
	incomingAmount *uint64
	received       uint64
}

type injectedFailure struct {
	code      ProtocolCode
	afterSent uint64
}

func NewLoopback(prices map[string]decimal.Decimal) *Loopback {
	cp := make(map[string]decimal.Decimal, len(prices))
	for code, price := range prices {
		cp[code] = price
	}
	return &Loopback{
		receivers:       make(map[string]*loopbackReceiver),
		prices:          cp,
		maxPacketAmount: defaultMaxPacketAmount,
	}
}

// AddReceiver registers a destination. A non-nil incomingAmount makes it an
// invoice (fixed-delivery target); nil makes it an open payment pointer.
func (l *Loopback) AddReceiver(url, assetCode string, assetScale uint8, incomingAmount *uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receivers[url] = &loopbackReceiver{
		url:            url,
		assetCode:      assetCode,
		assetScale:     assetScale,
		incomingAmount: incomingAmount,
	}
}

// Received reports the total delivered to a receiver so far.
func (l *Loopback) Received(url string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.receivers[url]; ok {
		return r.received
	}
	return 0
}

// FailNext makes the next Pay stop after sending at most afterSent units and
// return the given protocol code alongside the partial receipt.
func (l *Loopback) FailNext(code ProtocolCode, afterSent uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextFailure = &injectedFailure{code: code, afterSent: afterSent}
}

func (l *Loopback) SetupPayment(ctx context.Context, receiver string) (*Destination, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.receivers[receiver]
	if !ok {
		return nil, &ProtocolError{Code: CodeInvalidDestination, Message: receiver}
	}

	dest := &Destination{
		URL:        r.url,
		AssetCode:  r.assetCode,
		AssetScale: r.assetScale,
	}
	if r.incomingAmount != nil {
		incoming := *r.incomingAmount
		received := r.received
		dest.IncomingAmount = &incoming
		dest.ReceivedAmount = &received
	}
	return dest, nil
}

func (l *Loopback) Quote(ctx context.Context, destination *Destination, sourceCode string, sourceScale uint8, prices map[string]decimal.Decimal) (*Quote, error) {
	rate, err := l.rate(destination, sourceCode, sourceScale, prices)
	if err != nil {
		return nil, err
	}
	return &Quote{LowRate: rate, HighRate: rate, MaxPacketAmount: l.maxPacketAmount}, nil
}

func (l *Loopback) Pay(ctx context.Context, req PayRequest) (*Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	receipt := &Receipt{}

	r, ok := l.receivers[req.Destination.URL]
	if !ok {
		return receipt, &ProtocolError{Code: CodeInvalidDestination, Message: req.Destination.URL}
	}

	rate, err := l.rate(req.Destination, req.SourceCode, req.SourceScale, nil)
	if err != nil {
		return receipt, err
	}
	if rate.LessThan(req.MinExchangeRate) {
		return receipt, &ProtocolError{Code: CodeRateProbeFailed, Message: "achievable rate below minimum"}
	}

	budget := req.MaxSourceAmount
	var failure *injectedFailure
	if l.nextFailure != nil {
		failure = l.nextFailure
		l.nextFailure = nil
		if failure.afterSent < budget {
			budget = failure.afterSent
		}
	}

	if r.incomingAmount != nil {
		remaining := uint64(0)
		if *r.incomingAmount > r.received {
			remaining = *r.incomingAmount - r.received
		}
		needed := ceilDiv(remaining, rate)
		if needed < budget {
			budget = needed
		}
		delivered := floorMul(budget, rate)
		if delivered > remaining {
			delivered = remaining
		}
		r.received += delivered
		receipt.AmountSent = budget
		receipt.AmountDelivered = delivered
	} else {
		delivered := floorMul(budget, rate)
		r.received += delivered
		receipt.AmountSent = budget
		receipt.AmountDelivered = delivered
	}

	if failure != nil {
		return receipt, &ProtocolError{Code: failure.code, Message: "injected failure"}
	}
	return receipt, nil
}

// rate resolves the achievable exchange rate for a destination. The pay path
// passes nil prices and uses the loopback's own table; the quote path honors
// the caller-provided snapshot the way a real probe honors live prices.
func (l *Loopback) rate(destination *Destination, sourceCode string, sourceScale uint8, prices map[string]decimal.Decimal) (decimal.Decimal, error) {
	table := prices
	if table == nil {
		table = l.prices
	}

	rate, err := rates.Rate(table,
		rates.Asset{Code: sourceCode, Scale: sourceScale},
		rates.Asset{Code: destination.AssetCode, Scale: destination.AssetScale},
	)
	if err != nil {
		return decimal.Zero, &ProtocolError{Code: CodePriceUnavailable, Message: err.Error()}
	}
	return rate, nil
}

func ceilDiv(amount uint64, rate decimal.Decimal) uint64 {
	if !rate.IsPositive() {
		return 0
	}
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(amount), 0).DivRound(rate, 24).Ceil()
	return uintFromDecimal(d)
}

func floorMul(amount uint64, rate decimal.Decimal) uint64 {
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(amount), 0).Mul(rate).Floor()
	return uintFromDecimal(d)
}

func uintFromDecimal(d decimal.Decimal) uint64 {
	bi := d.BigInt()
	if bi.Sign() < 0 {
		return 0
	}
	if !bi.IsUint64() {
		return ^uint64(0)
	}
	return bi.Uint64()
}
