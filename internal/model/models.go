// Package model defines the domain structs shared across the Engine's
// persistence, replication, and API layers.
package model

import "time"

// NodeRole is the replication role of a Node with respect to a single Database.
// A Node can be Primary for some Databases and Replica for others.
type NodeRole string

const (
	RolePrimary NodeRole = "primary"
	RoleReplica NodeRole = "replica"
)

// NodeStatus is the lifecycle status of a Node in the fleet.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusActive    NodeStatus = "active"
	NodeStatusSyncing   NodeStatus = "syncing"
	NodeStatusOffline   NodeStatus = "offline"
	NodeStatusSuspended NodeStatus = "suspended"
	NodeStatusExiting   NodeStatus = "exiting"
)

// Region is one of the eight canonical region tags from spec §6.
type Region string

const (
	RegionUSEast      Region = "us-east"
	RegionUSWest      Region = "us-west"
	RegionEUWest      Region = "eu-west"
	RegionEUCentral   Region = "eu-central"
	RegionAsiaPacific Region = "asia-pacific"
	RegionAsiaSouth   Region = "asia-south"
	RegionSouthAmerica Region = "south-america"
	RegionGlobal      Region = "global"
)

// NormalizeRegion maps an unknown or empty region string to RegionGlobal.
func NormalizeRegion(s string) Region {
	switch Region(s) {
	case RegionUSEast, RegionUSWest, RegionEUWest, RegionEUCentral,
		RegionAsiaPacific, RegionAsiaSouth, RegionSouthAmerica, RegionGlobal:
		return Region(s)
	default:
		return RegionGlobal
	}
}

// Node is one operator-run fleet member.
type Node struct {
	NodeID          string     `json:"node_id"`
	OperatorAddress string     `json:"operator_address"`
	HTTPEndpoint    string     `json:"http_endpoint"`
	WSEndpoint      string     `json:"ws_endpoint"`
	Region          Region     `json:"region"`
	Role            NodeRole   `json:"role"`
	Status          NodeStatus `json:"status"`
	StakedAmount    int64      `json:"staked_amount"`
	TEEEnabled      bool       `json:"tee_enabled"`
	Version         string     `json:"version"`
	LastHeartbeat   time.Time  `json:"last_heartbeat"`
	DatabaseCount   int        `json:"database_count"`
	TotalQueries    int64      `json:"total_queries"`
	PerformanceScore int       `json:"performance_score"` // [0, 1000]
	SlashedAmount   int64      `json:"slashed_amount"`
	MissedHeartbeats int       `json:"-"`
}

// EncryptionMode is the confidentiality posture of a Database.
type EncryptionMode int

const (
	EncryptionNone EncryptionMode = iota
	EncryptionAtRest
	EncryptionTEE
)

func (m EncryptionMode) String() string {
	switch m {
	case EncryptionAtRest:
		return "at_rest"
	case EncryptionTEE:
		return "tee_encrypted"
	default:
		return "none"
	}
}

// SyncMode controls whether the Primary waits for replica confirmations.
type SyncMode string

const (
	SyncModeSync  SyncMode = "sync"
	SyncModeAsync SyncMode = "async"
)

// ReadPreference controls read routing among Primary and Replicas.
type ReadPreference string

const (
	ReadPreferencePrimary ReadPreference = "primary"
	ReadPreferenceNearest ReadPreference = "nearest"
	ReadPreferenceAny     ReadPreference = "any"
)

// ReplicationConfig is the per-Database replication policy.
type ReplicationConfig struct {
	ReplicaCount     int            `json:"replica_count"`
	MinConfirmations int            `json:"min_confirmations"`
	SyncMode         SyncMode       `json:"sync_mode"`
	ReadPreference   ReadPreference `json:"read_preference"`
	FailoverTimeoutMs int           `json:"failover_timeout_ms"`
	PreferredRegions []Region       `json:"preferred_regions,omitempty"`
}

// DefaultReplicationConfig returns the Engine's zero-replica default.
func DefaultReplicationConfig() ReplicationConfig {
	return ReplicationConfig{
		ReplicaCount:      0,
		MinConfirmations:  0,
		SyncMode:          SyncModeAsync,
		ReadPreference:    ReadPreferenceAny,
		FailoverTimeoutMs: 5000,
	}
}

// Database is one logical SQLite-backed Database Instance's durable metadata.
type Database struct {
	DatabaseID      string         `json:"database_id"`
	DisplayName     string         `json:"display_name"`
	OwnerAddress    string         `json:"owner_address"`
	Encryption      EncryptionMode `json:"encryption_mode"`
	Replication     ReplicationConfig `json:"replication"`
	PrimaryNodeID   string         `json:"primary_node_id"`
	ReplicaNodeIDs  []string       `json:"replica_node_ids"`
	SizeBytes       int64          `json:"size_bytes"`
	RowCount        int64          `json:"row_count"`
	WALPosition     int64          `json:"wal_position"`
	SchemaVersion   int            `json:"schema_version"`
	SchemaHash      string         `json:"schema_hash"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ConnectionString string        `json:"connection_string"`
	HTTPEndpoint    string         `json:"http_endpoint"`
}

// ValueKind tags the dynamic type of a bound SQL parameter, per §9's
// "Dynamic typing of parameters" redesign note.
type ValueKind string

const (
	KindInt  ValueKind = "int"
	KindReal ValueKind = "real"
	KindText ValueKind = "text"
	KindBool ValueKind = "bool"
	KindNull ValueKind = "null"
	KindBlob ValueKind = "blob"
)

// Value is a tagged SQL bind parameter.
type Value struct {
	Kind ValueKind `json:"kind"`
	Int  int64     `json:"int,omitempty"`
	Real float64   `json:"real,omitempty"`
	Text string    `json:"text,omitempty"`
	Bool bool      `json:"bool,omitempty"`
	Blob []byte    `json:"blob,omitempty"`
}

// Native returns the value as a driver-compatible Go type for database/sql.
func (v Value) Native() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindReal:
		return v.Real
	case KindText:
		return v.Text
	case KindBool:
		if v.Bool {
			return int64(1)
		}
		return int64(0)
	case KindBlob:
		return v.Blob
	default:
		return nil
	}
}

// WALEntry is one hash-chained, monotonically positioned WAL record.
type WALEntry struct {
	Position      int64     `json:"position"`
	TransactionID string    `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`
	SQL           string    `json:"sql"`
	Params        []Value   `json:"params"`
	Hash          string    `json:"hash"`
	PrevHash      string    `json:"prev_hash"`
}

// ZeroHash is the 64 hex-character all-zero hash used as prevHash for position 1.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Permission is an ACL grant level.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// ACLRule is one (grantee, permission) grant, with an optional expiry.
type ACLRule struct {
	Grantee   string     `json:"grantee"`
	Permission Permission `json:"permission"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the rule is no longer in effect at time t.
func (r ACLRule) Expired(t time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(t)
}

// PeerConnection is soft state tracked for every other Node this Node has
// discovered, shared by reference across all Database Instances it hosts.
type PeerConnection struct {
	NodeID        string    `json:"node_id"`
	HTTPEndpoint  string    `json:"http_endpoint"`
	WSEndpoint    string    `json:"ws_endpoint"`
	LastPing      time.Time `json:"last_ping"`
	LatencyMs     float64   `json:"latency_ms"`
	Connected     bool      `json:"connected"`
	Role          NodeRole  `json:"role"`
}

// Classification is the read/write classification of a SQL statement.
type Classification int

const (
	ClassificationReadOnly Classification = iota
	ClassificationMutating
)

func (c Classification) String() string {
	if c == ClassificationReadOnly {
		return "read_only"
	}
	return "mutating"
}
