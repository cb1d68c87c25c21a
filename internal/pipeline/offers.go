package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-aa-wallet/internal/fallback"
	"github.com/0gfoundation/0g-aa-wallet/internal/userop"
)

const offerKeyFmt = "fallback:offer:%s"

var ErrOfferNotFound = errors.New("fallback offer not found or expired")

// Offer is a priced direct submission waiting for the user's confirmation.
type Offer struct {
	Token     string
	Signed    *userop.SignedOperation
	Quote     *fallback.Quote
	ExpiresAt time.Time
}

type storedOffer struct {
	Token      string              `json:"token"`
	Op         userop.RPCOperation `json:"op"`
	ChainID    int64               `json:"chain_id"`
	EntryPoint common.Address      `json:"entry_point"`
	From       common.Address      `json:"from"`
	GasLimit   uint64              `json:"gas_limit"`
	GasPrice   *hexutil.Big        `json:"gas_price"`
	Fee        *hexutil.Big        `json:"fee"`
	Balance    *hexutil.Big        `json:"balance"`
	Sufficient bool                `json:"sufficient"`
	ExpiresAt  int64               `json:"expires_at"`
}

// OfferStore keeps pending offers in Redis under a TTL.
type OfferStore struct {
	rdb *redis.Client
}

func NewOfferStore(rdb *redis.Client) *OfferStore { return &OfferStore{rdb: rdb} }

func (s *OfferStore) Put(ctx context.Context, o *Offer, ttl time.Duration) error {
	q := o.Quote
	raw, err := json.Marshal(storedOffer{
		Token:      o.Token,
		Op:         userop.ToRPC(&o.Signed.Op, o.Signed.Signature),
		ChainID:    q.ChainID,
		EntryPoint: q.EntryPoint,
		From:       q.From,
		GasLimit:   q.GasLimit,
		GasPrice:   (*hexutil.Big)(q.GasPrice),
		Fee:        (*hexutil.Big)(q.Fee),
		Balance:    (*hexutil.Big)(q.Balance),
		Sufficient: q.Sufficient,
		ExpiresAt:  o.ExpiresAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal offer: %w", err)
	}
	return s.rdb.Set(ctx, fmt.Sprintf(offerKeyFmt, o.Token), raw, ttl).Err()
}

// Take removes and returns the offer, so it can be confirmed at most once.
func (s *OfferStore) Take(ctx context.Context, token string) (*Offer, error) {
	raw, err := s.rdb.GetDel(ctx, fmt.Sprintf(offerKeyFmt, token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take offer: %w", err)
	}
	var st storedOffer
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("unmarshal offer: %w", err)
	}
	op, sig := st.Op.Operation()
	return &Offer{
		Token:  st.Token,
		Signed: &userop.SignedOperation{Op: *op, Signature: sig},
		Quote: &fallback.Quote{
			ChainID:    st.ChainID,
			EntryPoint: st.EntryPoint,
			From:       st.From,
			GasLimit:   st.GasLimit,
			GasPrice:   (*big.Int)(st.GasPrice),
			Fee:        (*big.Int)(st.Fee),
			Balance:    (*big.Int)(st.Balance),
			Sufficient: st.Sufficient,
		},
		ExpiresAt: time.Unix(st.ExpiresAt, 0),
	}, nil
}
