// Package vectorindex implements the Vector Index Facility: a thin wrapper
// over SQLite virtual tables for KNN similarity search. A search's metadata
// filter is validated but not applied to the results (see Search).
package vectorindex

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/google/btree"

	"github.com/sqlitefleet/engine/internal/model"
	"github.com/sqlitefleet/engine/internal/service"
	"github.com/sqlitefleet/engine/internal/storage"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateIdentifier checks name against the same whitelist PlanCreateIndex
// and PlanInsert use for table/column names, for callers (like a search
// handler) that interpolate a caller-supplied identifier into SQL text
// outside those two planners.
func ValidateIdentifier(name string) error {
	if !identifierRe.MatchString(name) {
		return service.InvalidRequest("invalid identifier %q", name)
	}
	return nil
}

// DistanceMetric names the similarity metric a vector index uses.
type DistanceMetric string

const (
	MetricL2     DistanceMetric = "L2"
	MetricCosine DistanceMetric = "cosine"
)

// VectorType names the stored element type of an embedding column.
type VectorType string

const (
	VectorFloat32 VectorType = "float32"
)

// CreateIndexRequest is the input to CreateIndex.
type CreateIndexRequest struct {
	TableName       string
	Dimensions      int
	VectorType      VectorType
	DistanceMetric  DistanceMetric
	MetadataColumns []string
	PartitionKey    string
}

// CreateIndexPlan is the DDL and journaling metadata produced for a create
// request; callers journal the returned SQL via the WAL before or as part
// of executing it, matching every other DDL path in the Database Instance.
type CreateIndexPlan struct {
	SQL            string
	DistanceMetric DistanceMetric
}

// PlanCreateIndex validates identifiers and builds the virtual-table DDL for
// req. It rejects tableName and column names that don't match
// /^[A-Za-z_][A-Za-z0-9_]*$/.
func PlanCreateIndex(req CreateIndexRequest) (CreateIndexPlan, error) {
	if !identifierRe.MatchString(req.TableName) {
		return CreateIndexPlan{}, service.InvalidRequest("invalid table name %q", req.TableName)
	}
	if req.Dimensions <= 0 {
		return CreateIndexPlan{}, service.InvalidRequest("dimensions must be positive")
	}
	vecType := req.VectorType
	if vecType == "" {
		vecType = VectorFloat32
	}
	metric := req.DistanceMetric
	if metric == "" {
		metric = MetricL2
	}

	cols := []string{fmt.Sprintf("embedding %s[%d]", vecType, req.Dimensions)}
	for _, c := range req.MetadataColumns {
		if !identifierRe.MatchString(c) {
			return CreateIndexPlan{}, service.InvalidRequest("invalid metadata column name %q", c)
		}
		cols = append(cols, fmt.Sprintf("meta_%s", c))
	}
	if req.PartitionKey != "" {
		if !identifierRe.MatchString(req.PartitionKey) {
			return CreateIndexPlan{}, service.InvalidRequest("invalid partition key %q", req.PartitionKey)
		}
		cols = append(cols, req.PartitionKey)
	}

	ddl := fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(%s);",
		req.TableName, strings.Join(cols, ", "),
	)
	return CreateIndexPlan{SQL: ddl, DistanceMetric: metric}, nil
}

// EncodeVector serializes a float32 vector as little-endian bytes, then
// base64-encodes it so the insert can be journaled as a text parameter and
// replayed verbatim by Replicas (see DESIGN.md's vector-blob Open Question
// decision: inline base64, not an out-of-line blob table).
func EncodeVector(vec []float32) string {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeVector reverses EncodeVector.
func DecodeVector(encoded string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, service.InvalidRequest("invalid vector encoding: %v", err)
	}
	if len(buf)%4 != 0 {
		return nil, service.InvalidRequest("vector byte length %d is not a multiple of 4", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

// InsertRequest is the input to PlanInsert.
type InsertRequest struct {
	TableName string
	Vector    []float32
	Metadata  map[string]model.Value
	Partition *model.Value
}

// PlanInsert builds the parameterized INSERT SQL/params for an insert. The
// caller journals this exactly like any other mutating statement: the blob
// is carried as a base64 text parameter so Replicas can reconstruct it.
func PlanInsert(req InsertRequest) (sqlText string, params []model.Value, err error) {
	if !identifierRe.MatchString(req.TableName) {
		return "", nil, service.InvalidRequest("invalid table name %q", req.TableName)
	}

	cols := []string{"embedding"}
	placeholders := []string{"?"}
	params = append(params, model.Value{Kind: model.KindText, Text: EncodeVector(req.Vector)})

	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !identifierRe.MatchString(k) {
			return "", nil, service.InvalidRequest("invalid metadata column name %q", k)
		}
		cols = append(cols, "meta_"+k)
		placeholders = append(placeholders, "?")
		params = append(params, req.Metadata[k])
	}
	if req.Partition != nil {
		cols = append(cols, "partition_value")
		placeholders = append(placeholders, "?")
		params = append(params, *req.Partition)
	}

	sqlText = fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s);",
		req.TableName, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
	)
	return sqlText, params, nil
}

var filterRe = regexp.MustCompile(
	`^([A-Za-z_][A-Za-z0-9_]*)\s*(=|!=|<=|>=|<|>|LIKE|IS NULL|IS NOT NULL)\s*(.*)$`,
)
var literalRe = regexp.MustCompile(`^('([^']|'')*'|-?[0-9]+(\.[0-9]+)?|NULL)$`)

// ValidateMetadataFilter checks filter against the whitelist pattern
// "column OP literal" to prevent injection; unknown forms return an
// InvalidRequest error.
func ValidateMetadataFilter(filter string) error {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil
	}
	m := filterRe.FindStringSubmatch(filter)
	if m == nil {
		return service.InvalidRequest("metadata filter %q does not match the allowed pattern", filter)
	}
	op := m[2]
	literal := strings.TrimSpace(m[3])
	if op == "IS NULL" || op == "IS NOT NULL" {
		if literal != "" {
			return service.InvalidRequest("metadata filter %q: %s takes no literal", filter, op)
		}
		return nil
	}
	if !literalRe.MatchString(literal) {
		return service.InvalidRequest("metadata filter %q: literal %q is not a quoted string, integer, or NULL", filter, literal)
	}
	return nil
}

// SearchRequest is the input to Search.
type SearchRequest struct {
	TableName       string
	Vector          []float32
	K               int
	PartitionValue  *model.Value
	MetadataFilter  string
	IncludeMetadata bool
}

// SearchHit is one KNN result row.
type SearchHit struct {
	RowID    int64
	Distance float64
	Metadata map[string]any
}

type candidate struct {
	SearchHit
}

// less orders candidates so the btree pops the FARTHEST element first,
// letting Search evict the worst of the current top-k in O(log k). Distance
// ties break on RowID so two rows at the same distance never compare equal
// and collapse into a single tree entry.
func candidateLess(a, b candidate) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.RowID < b.RowID
}

// Search runs a brute-force KNN scan over rows already loaded by the caller
// (the Storage Adapter query), maintaining a bounded top-k set via a btree
// ordered by distance so only k elements are ever retained regardless of
// candidate set size. k=0 returns an empty list immediately. MetadataFilter
// is checked with ValidateMetadataFilter but does not narrow the candidates,
// and PartitionValue is not consulted.
func Search(req SearchRequest, rows func() ([]struct {
	RowID    int64
	Vector   []float32
	Metadata map[string]any
}, error)) ([]SearchHit, error) {
	if req.K == 0 {
		return []SearchHit{}, nil
	}
	if req.K < 0 {
		return nil, service.InvalidRequest("k must be non-negative")
	}
	if err := ValidateMetadataFilter(req.MetadataFilter); err != nil {
		return nil, err
	}

	candidates, err := rows()
	if err != nil {
		return nil, err
	}

	tree := btree.NewG(32, candidateLess)
	for _, r := range candidates {
		d := l2Distance(req.Vector, r.Vector)
		var meta map[string]any
		if req.IncludeMetadata {
			meta = r.Metadata
		}
		c := candidate{SearchHit{RowID: r.RowID, Distance: d, Metadata: meta}}
		tree.ReplaceOrInsert(c)
		if tree.Len() > req.K {
			max, _ := tree.DeleteMax()
			_ = max
		}
	}

	out := make([]SearchHit, 0, tree.Len())
	tree.Ascend(func(c candidate) bool {
		out = append(out, c.SearchHit)
		return true
	})
	return out, nil
}

func l2Distance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// OpenHandleExecDDL is a convenience for callers that already hold a
// storage.Handle and simply want to run the planned DDL/DML without
// duplicating the Exec/RunParameterized dispatch at every call site.
func OpenHandleExecDDL(h *storage.Handle, sqlText string) error {
	return h.Exec(sqlText)
}
