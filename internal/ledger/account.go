package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types: principal per tranche
	SubTypeSeniorStake AccountSubType = iota
	SubTypeJuniorStake

	// System sub-types
	SubTypeSystemVault            // pool cash; its balance IS the pool balance
	SubTypeSystemStakeObligations // contra account backing user stake entries

	// External sub-types: custody boundary
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalClaims
	SubTypeExternalTreasury
	SubTypeExternalReferral
)

// AssetID maps asset symbols to numeric IDs. The pool is single-asset (the
// configured stable coin), but the ledger keys stay asset-qualified so the
// zero-sum check is per asset.
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDC": 1,
	}
	idToAsset = map[AssetID]string{
		1: "USDC",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (21 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, zero for system/external accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user stake accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for custody boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	return k.SubType.String()
}

func (st AccountSubType) String() string {
	switch st {
	case SubTypeSeniorStake:
		return "senior_stake"
	case SubTypeJuniorStake:
		return "junior_stake"
	case SubTypeSystemVault:
		return "vault"
	case SubTypeSystemStakeObligations:
		return "stake_obligations"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	case SubTypeExternalClaims:
		return "claims"
	case SubTypeExternalTreasury:
		return "treasury"
	case SubTypeExternalReferral:
		return "referral"
	default:
		return "unknown"
	}
}
