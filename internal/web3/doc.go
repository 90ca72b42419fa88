// Package web3 defines the wallet boundary used by on-chain tools: reading
// the connected account and balances, sending signed transfers and contract
// calls, and waiting for receipts. State-changing requests pass through an
// Approver first, which models the wallet's own confirmation prompt and may
// reject independently of the in-chat confirmation.
package web3
