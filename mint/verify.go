package mint

import (
	"context"
	"math/bits"

	"github.com/elnosh/gonuts-mint/cashu"
)

// verifyOutputsAllowSingleUnit checks that every output names an active
// keyset with a key for its amount and that all outputs share one unit.
// It returns that unit and the sum of the output amounts.
func (m *Mint[M, U]) verifyOutputsAllowSingleUnit(
	ctx context.Context,
	outputs cashu.BlindedMessages,
) (U, uint64, error) {
	var unit U
	if len(outputs) == 0 {
		return unit, 0, cashu.EmptyOutputsErr
	}

	var total uint64
	for i, output := range outputs {
		ref, err := m.keysets.Resolve(ctx, output.Id, output.Amount)
		if err != nil {
			return unit, 0, err
		}

		if i == 0 {
			unit = ref.Unit
		} else if ref.Unit != unit {
			return unit, 0, cashu.MultipleUnitsErr
		}

		var overflow bool
		total, overflow = overflowAddUint64(total, output.Amount)
		if overflow {
			return unit, 0, cashu.AmountOverflowErr
		}
	}

	return unit, total, nil
}

// returns a + b and whether the sum overflowed, in which
// case the result is clamped to max uint64
func overflowAddUint64(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return ^uint64(0), true
	}
	return sum, false
}
