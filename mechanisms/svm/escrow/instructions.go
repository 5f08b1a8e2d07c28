package escrow

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
)

// Discriminator is the 8-byte Anchor instruction selector.
type Discriminator [8]byte

// anchorDiscriminator returns sha256("global:<name>")[:8].
func anchorDiscriminator(name string) Discriminator {
	sum := sha256.Sum256([]byte("global:" + name))
	var d Discriminator
	copy(d[:], sum[:8])
	return d
}

var (
	DiscriminatorInitializeEscrow = anchorDiscriminator("initialize_escrow")
	DiscriminatorReleaseFunds     = anchorDiscriminator("release_funds")
	DiscriminatorMarkDisputed     = anchorDiscriminator("mark_disputed")
)

// Optional accounts trailing the SOL-only account lists. Anchor reads the
// program id in an optional slot as None.
const (
	initializeOptionalAccounts = 5
	releaseOptionalAccounts    = 3
)

// InitializeParams are the inputs of the initialize_escrow instruction.
type InitializeParams struct {
	ProgramID     solana.PublicKey
	Agent         solana.PublicKey
	API           solana.PublicKey
	Amount        uint64
	TimeLock      int64
	TransactionID string
}

// EncodeInitializeData encodes the initialize_escrow payload: the
// discriminator, amount (u64 LE), time_lock (i64 LE), transaction_id
// (u32 LE length + bytes) and use_spl_token (bool).
func EncodeInitializeData(amount uint64, timeLock int64, transactionID string) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(DiscriminatorInitializeEscrow[:])

	enc := bin.NewBorshEncoder(buf)
	if err := enc.WriteUint64(amount, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("failed to encode amount: %w", err)
	}
	if err := enc.WriteInt64(timeLock, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("failed to encode time lock: %w", err)
	}
	if err := enc.WriteUint32(uint32(len(transactionID)), binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("failed to encode transaction id length: %w", err)
	}
	if err := enc.WriteBytes([]byte(transactionID), false); err != nil {
		return nil, fmt.Errorf("failed to encode transaction id: %w", err)
	}
	if err := enc.WriteBool(false); err != nil {
		return nil, fmt.Errorf("failed to encode token flag: %w", err)
	}
	return buf.Bytes(), nil
}

// NewInitializeInstruction builds initialize_escrow.
func NewInitializeInstruction(p InitializeParams) (solana.Instruction, solana.PublicKey, error) {
	escrowPDA, _, err := DeriveEscrowAddress(p.ProgramID, p.Agent, p.TransactionID)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	configPDA, _, err := DeriveProtocolConfigAddress(p.ProgramID)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	treasuryPDA, _, err := DeriveTreasuryAddress(p.ProgramID)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}

	data, err := EncodeInitializeData(p.Amount, p.TimeLock, p.TransactionID)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(configPDA, false, false),
		solana.NewAccountMeta(treasuryPDA, true, false),
		solana.NewAccountMeta(escrowPDA, true, false),
		solana.NewAccountMeta(p.Agent, true, true),
		solana.NewAccountMeta(p.API, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	accounts = appendNoneAccounts(accounts, p.ProgramID, initializeOptionalAccounts)

	return solana.NewInstruction(p.ProgramID, accounts, data), escrowPDA, nil
}

// ReleaseParams are the inputs of the release_funds instruction.
type ReleaseParams struct {
	ProgramID     solana.PublicKey
	Caller        solana.PublicKey
	Agent         solana.PublicKey
	API           solana.PublicKey
	TransactionID string
}

// NewReleaseInstruction builds release_funds.
func NewReleaseInstruction(p ReleaseParams) (solana.Instruction, solana.PublicKey, error) {
	escrowPDA, _, err := DeriveEscrowAddress(p.ProgramID, p.Agent, p.TransactionID)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	configPDA, _, err := DeriveProtocolConfigAddress(p.ProgramID)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(configPDA, false, false),
		solana.NewAccountMeta(escrowPDA, true, false),
		solana.NewAccountMeta(p.Caller, true, true),
		solana.NewAccountMeta(p.API, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	accounts = appendNoneAccounts(accounts, p.ProgramID, releaseOptionalAccounts)

	return solana.NewInstruction(p.ProgramID, accounts, DiscriminatorReleaseFunds[:]), escrowPDA, nil
}

// DisputeParams are the inputs of the mark_disputed instruction.
type DisputeParams struct {
	ProgramID     solana.PublicKey
	Agent         solana.PublicKey
	TransactionID string
}

// NewDisputeInstruction builds mark_disputed.
func NewDisputeInstruction(p DisputeParams) (solana.Instruction, solana.PublicKey, error) {
	escrowPDA, _, err := DeriveEscrowAddress(p.ProgramID, p.Agent, p.TransactionID)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	configPDA, _, err := DeriveProtocolConfigAddress(p.ProgramID)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	reputationPDA, _, err := DeriveReputationAddress(p.ProgramID, p.Agent)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(configPDA, false, false),
		solana.NewAccountMeta(escrowPDA, true, false),
		solana.NewAccountMeta(reputationPDA, true, false),
		solana.NewAccountMeta(p.Agent, true, true),
	}

	return solana.NewInstruction(p.ProgramID, accounts, DiscriminatorMarkDisputed[:]), escrowPDA, nil
}

func appendNoneAccounts(accounts solana.AccountMetaSlice, programID solana.PublicKey, n int) solana.AccountMetaSlice {
	for i := 0; i < n; i++ {
		accounts = append(accounts, solana.NewAccountMeta(programID, false, false))
	}
	return accounts
}
