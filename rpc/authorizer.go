package rpc

import (
	"encoding/hex"
	"fmt"
	"strings"

	"artisanpay/crypto"
	"artisanpay/native/escrow"
)

const (
	signatureDomain      = "apay-escrow"
	signatureSkewSeconds = 120
)

// CallDigest builds the canonical digest a principal signs to authorize an
// escrow call. The timestamp binds the signature to a narrow window so a
// captured payload cannot be replayed later.
func CallDigest(method string, id uint64, asset string, timestamp int64) []byte {
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	payload := fmt.Sprintf("%s|%s|%d|%s|%d", signatureDomain, method, id, normalized, timestamp)
	return crypto.Keccak256([]byte(payload))
}

// gateFromSignature recovers the signer of the canonical call digest and
// returns a gate that authorizes exactly that principal.
func (s *Server) gateFromSignature(method string, id uint64, asset, sigHex string, timestamp int64) (escrow.Authorizer, error) {
	now := s.nowFn().Unix()
	skew := now - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > signatureSkewSeconds {
		return nil, fmt.Errorf("%w: signature timestamp outside allowed skew", escrow.ErrUnauthorized)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(sigHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed signature encoding", escrow.ErrUnauthorized)
	}
	signer, err := crypto.RecoverAddress(CallDigest(method, id, asset, timestamp), sig)
	if err != nil {
		return nil, fmt.Errorf("%w: signature recovery failed", escrow.ErrUnauthorized)
	}
	return escrow.CallerGate(signer.Bytes()), nil
}
