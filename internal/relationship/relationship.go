// Package relationship implements the Relationship Analyzer (spec.md
// §4.5): discovers child relationships via the Describe API, builds
// predicate fragments to pull only related children, and extracts the
// parent ID set a post-pass needs.
package relationship

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/steveyegge/backupforce/internal/bulkapi"
	"github.com/steveyegge/backupforce/internal/types"
)

// priorityObjects is the well-known allow-list from spec.md §4.5: objects
// whose child relationships are flagged priority=true for UI ranking.
// Advisory only; it has no effect on correctness.
var priorityObjects = map[string]bool{
	"Contact":     true,
	"Opportunity": true,
	"Case":        true,
	"Task":        true,
	"Event":       true,
	"Note":        true,
	"Attachment":  true,
	"ContentNote": true,
	"Contract":    true,
	"Order":       true,
}

// IsPriority reports whether child is on the priority allow-list.
func IsPriority(child string) bool {
	return priorityObjects[child]
}

// Node is one entry in a relationship Tree.
type Node struct {
	ObjectName       string
	ParentField      string
	RelationshipName string
	Depth            int
	Priority         bool
	Children         []*Node
}

// Tree is the root of a BuildTree call; Root has no ParentField.
type Tree struct {
	Root *Node
}

// Analyzer discovers relationships via the Describe API.
type Analyzer struct {
	Client *bulkapi.Client
}

// New constructs an Analyzer bound to client.
func New(client *bulkapi.Client) *Analyzer {
	return &Analyzer{Client: client}
}

// BuildTree performs a breadth-first traversal of child relationships
// starting at parent, stopping at maxDepth (spec.md §4.5).
func (a *Analyzer) BuildTree(ctx context.Context, parent string, maxDepth int) (*Tree, error) {
	root := &Node{ObjectName: parent, Depth: 0}
	tree := &Tree{Root: root}

	type queueEntry struct {
		node *Node
	}
	queue := []queueEntry{{node: root}}
	visited := map[string]bool{parent: true}

	for len(queue) > 0 {
		entry := queue[0]
		queue = queue[1:]

		if entry.node.Depth >= maxDepth {
			continue
		}

		desc, err := a.Client.DescribeSObject(ctx, entry.node.ObjectName)
		if err != nil {
			return nil, fmt.Errorf("describe %s for relationship discovery: %w", entry.node.ObjectName, err)
		}

		for _, rel := range desc.ChildRelationships {
			if rel.ChildSObject == "" || rel.Field == "" {
				continue
			}
			key := rel.ChildSObject + "." + rel.Field
			if visited[key] {
				continue
			}
			visited[key] = true

			child := &Node{
				ObjectName:       rel.ChildSObject,
				ParentField:      rel.Field,
				RelationshipName: rel.RelationshipName,
				Depth:            entry.node.Depth + 1,
				Priority:         IsPriority(rel.ChildSObject),
			}
			entry.node.Children = append(entry.node.Children, child)
			queue = append(queue, queueEntry{node: child})
		}
	}

	return tree, nil
}

// ExtractIds reads the Id column of <destRoot>/<parent>.csv and returns
// the set of values found.
func ExtractIds(parent, destRoot string) (map[string]struct{}, error) {
	path := filepath.Join(destRoot, parent+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s for id extraction: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header from %s: %w", path, err)
	}
	idCol := -1
	for i, name := range header {
		if strings.EqualFold(name, "Id") {
			idCol = i
			break
		}
	}
	if idCol < 0 {
		return nil, fmt.Errorf("%s has no Id column", path)
	}

	ids := make(map[string]struct{})
	for {
		record, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read records from %s: %w", path, err)
		}
		if idCol < len(record) && record[idCol] != "" {
			ids[record[idCol]] = struct{}{}
		}
	}
	return ids, nil
}

// maxIDsPerClause bounds each IN(...) list below the backend's
// clause-size limit.
const maxIDsPerClause = 200

// BuildWhereMultiField emits "(f1 IN (...)) OR (f2 IN (...))" with each
// field's id-list chunked to stay under maxIDsPerClause, and each chunk
// OR-joined, matching spec.md §4.5's contract for the return shape.
func BuildWhereMultiField(fields []string, ids map[string]struct{}) string {
	if len(fields) == 0 || len(ids) == 0 {
		return ""
	}

	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	return buildWhereMultiField(fields, ordered)
}

func buildWhereMultiField(fields []string, ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = "'" + strings.ReplaceAll(id, "'", "\\'") + "'"
	}

	var fieldClauses []string
	for _, field := range fields {
		var chunkClauses []string
		for start := 0; start < len(quoted); start += maxIDsPerClause {
			end := start + maxIDsPerClause
			if end > len(quoted) {
				end = len(quoted)
			}
			chunkClauses = append(chunkClauses, fmt.Sprintf("%s IN (%s)", field, strings.Join(quoted[start:end], ",")))
		}
		fieldClauses = append(fieldClauses, "("+strings.Join(chunkClauses, " OR ")+")")
	}
	return strings.Join(fieldClauses, " OR ")
}

// CountRelated issues a COUNT()-shaped query for preview displays; the
// result is advisory, not used for batching decisions.
func (a *Analyzer) CountRelated(ctx context.Context, child, parentField, where string) (int64, error) {
	soql := fmt.Sprintf("SELECT COUNT() FROM %s", child)
	if where != "" {
		soql += " WHERE " + where
	}
	job, err := a.Client.CreateQueryJob(ctx, child, soql)
	if err != nil {
		return 0, fmt.Errorf("create count query job for %s: %w", child, err)
	}
	defer a.Client.CloseQueryJob(context.WithoutCancel(ctx), job.ID)

	for {
		status, err := a.Client.GetQueryJob(ctx, job.ID)
		if err != nil {
			return 0, fmt.Errorf("poll count query job for %s: %w", child, err)
		}
		if status.State == "JobComplete" {
			return status.NumberRecordsProcessed, nil
		}
		if status.State == "Failed" || status.State == "Aborted" {
			return 0, fmt.Errorf("count query job for %s ended in state %s", child, status.State)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
	}
}

// SelectionEntry is one {childObject, parentField} pair drawn from a
// user-confirmed selection or auto-discovered from a Tree.
type SelectionEntry struct {
	ChildObject string
	ParentField string
	Depth       int
}

// CollapseByChild groups flat {childObject, parentField} entries by
// child, collapsing multiple lookup fields into a single
// BuildWhereMultiField predicate each (spec.md §4.1 post-pass step 3),
// ready for the Orchestrator to submit one RelatedBackupTask per child.
func CollapseByChild(entries []SelectionEntry, ids map[string]struct{}) []types.RelatedBackupTask {
	byChild := make(map[string][]string)
	depthByChild := make(map[string]int)
	var order []string
	for _, e := range entries {
		if _, seen := depthByChild[e.ChildObject]; !seen {
			order = append(order, e.ChildObject)
		}
		if e.Depth > depthByChild[e.ChildObject] {
			depthByChild[e.ChildObject] = e.Depth
		}
		byChild[e.ChildObject] = append(byChild[e.ChildObject], e.ParentField)
	}

	result := make([]types.RelatedBackupTask, 0, len(order))
	for _, child := range order {
		fields := byChild[child]
		result = append(result, types.RelatedBackupTask{
			ChildObject:  child,
			ParentFields: fields,
			Where:        BuildWhereMultiField(fields, ids),
			Depth:        depthByChild[child],
		})
	}
	return result
}

// EntriesFromTree flattens a Tree (from BuildTree) into selection
// entries, optionally restricted to priority nodes.
func EntriesFromTree(tree *Tree, priorityOnly bool) []SelectionEntry {
	var entries []SelectionEntry
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, child := range n.Children {
			if !priorityOnly || child.Priority {
				entries = append(entries, SelectionEntry{
					ChildObject: child.ObjectName,
					ParentField: child.ParentField,
					Depth:       child.Depth,
				})
			}
			walk(child)
		}
	}
	walk(tree.Root)
	return entries
}
