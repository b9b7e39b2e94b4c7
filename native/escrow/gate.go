package escrow

import "fmt"

// CallerGate authorizes exactly one verified caller principal. The RPC layer
// builds one per request after it has established the caller's identity
// (signature recovery or an authenticated trusted channel).
type CallerGate [20]byte

// Require implements Authorizer.
func (g CallerGate) Require(principal [20]byte) error {
	if [20]byte(g) == principal {
		return nil
	}
	return fmt.Errorf("%w: caller is not the required principal", ErrUnauthorized)
}
