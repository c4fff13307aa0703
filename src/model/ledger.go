package model

import "time"

type SponsorID string
type HackerID string
type IssueID uint64
type AssetKind string

type PoolStatus string

const ( // needs to match sponsor_pools.status in pg
	PoolStatusOpen   PoolStatus = "open"
	PoolStatusClosed PoolStatus = "closed"
)

// SponsorPool - a sponsor's isolated escrow balance, always denominated in the
// settlement asset
type SponsorPool struct {
	Sponsor       SponsorID
	Name          string
	DefaultPayout uint64 // advisory only, never enforced on pay
	Balance       uint64
	Status        PoolStatus
	RefundAccount string
	IssueCount    uint64 // last issued id, ids start at 1
	Created       time.Time
	Updated       time.Time
}

func (p *SponsorPool) IsOpen() bool {
	return p.Status == PoolStatusOpen
}

// CapabilityBinding is the server side half of a capability. Only the token
// hash is ever persisted.
type CapabilityBinding struct {
	Sponsor   SponsorID
	TokenHash string
	PublicKey string
	Created   time.Time
}

type EvidenceRecord struct {
	Sponsor  SponsorID
	Issue    IssueID
	ActionID string
	Reporter string
	Digest   string
	Recorded time.Time
}
