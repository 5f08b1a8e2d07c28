// Package escrow is the client for the on-chain escrow program: address
// derivation, instruction encoding, submission and account queries.
package escrow

import (
	solana "github.com/gagliardetto/solana-go"

	x402 "github.com/kamiyo-ai/x402-go"
)

// DefaultProgramID is the deployed escrow program.
var DefaultProgramID = solana.MustPublicKeyFromBase58("8sUnNU6WBD2SYapCE12S7LwH1b8zWoniytze7ifWwXCM")

// PDA seed prefixes.
var (
	seedEscrow         = []byte("escrow")
	seedReputation     = []byte("reputation")
	seedProtocolConfig = []byte("protocol_config")
	seedTreasury       = []byte("treasury")
)

// MaxTransactionIDLength is the on-chain limit for transaction ids.
const MaxTransactionIDLength = 64

// ValidateTransactionID checks the on-chain transaction id constraints.
func ValidateTransactionID(transactionID string) error {
	if transactionID == "" {
		return x402.InvalidInput("transaction id is required")
	}
	if len(transactionID) > MaxTransactionIDLength {
		return x402.InvalidInput("transaction id exceeds %d bytes", MaxTransactionIDLength)
	}
	return nil
}

// DeriveEscrowAddress returns the escrow PDA for (owner, transactionID).
// It is a pure function of its inputs.
func DeriveEscrowAddress(programID, owner solana.PublicKey, transactionID string) (solana.PublicKey, uint8, error) {
	if err := ValidateTransactionID(transactionID); err != nil {
		return solana.PublicKey{}, 0, err
	}
	return solana.FindProgramAddress([][]byte{seedEscrow, owner.Bytes(), []byte(transactionID)}, programID)
}

// DeriveReputationAddress returns the reputation PDA for owner.
func DeriveReputationAddress(programID, owner solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{seedReputation, owner.Bytes()}, programID)
}

// DeriveProtocolConfigAddress returns the protocol config PDA.
func DeriveProtocolConfigAddress(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{seedProtocolConfig}, programID)
}

// DeriveTreasuryAddress returns the treasury PDA.
func DeriveTreasuryAddress(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{seedTreasury}, programID)
}
