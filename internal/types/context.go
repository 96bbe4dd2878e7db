package types

// TransactionContext carries the externally-supplied inputs of one
// transaction or nested call. It is immutable for the duration of the call.
type TransactionContext struct {
	// Origin is the externally-owned account that signed the transaction.
	Origin Address

	// Sender is the immediate caller (equals Origin at the top level).
	Sender Address

	// Address is the DApp being invoked.
	Address Address

	// Data is the call payload handed to the entry point.
	Data []byte

	// Value is the amount transferred with the call.
	Value uint64

	// EnergyLimit is the total energy budget for this call.
	EnergyLimit uint64

	// EnergyPrice is the price per unit of energy.
	EnergyPrice uint64

	// BlockNumber is the height of the enclosing block.
	BlockNumber uint64

	// BlockEpochSeconds is the timestamp of the enclosing block.
	BlockEpochSeconds uint64

	// BlockDifficulty is the difficulty of the enclosing block.
	BlockDifficulty uint64

	// Depth is the call depth of this frame (0 at the top level).
	Depth int
}

// NestedContext derives the context for a nested call issued by the DApp
// running under c.
func (c *TransactionContext) NestedContext(target Address, value uint64, data []byte, energyLimit uint64) *TransactionContext {
	return &TransactionContext{
		Origin:            c.Origin,
		Sender:            c.Address,
		Address:           target,
		Data:              data,
		Value:             value,
		EnergyLimit:       energyLimit,
		EnergyPrice:       c.EnergyPrice,
		BlockNumber:       c.BlockNumber,
		BlockEpochSeconds: c.BlockEpochSeconds,
		BlockDifficulty:   c.BlockDifficulty,
		Depth:             c.Depth + 1,
	}
}
