package relationship_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/backupforce/internal/relationship"
	"github.com/steveyegge/backupforce/internal/types"
)

func TestIsPriority(t *testing.T) {
	assert.True(t, relationship.IsPriority("Contact"))
	assert.True(t, relationship.IsPriority("Opportunity"))
	assert.False(t, relationship.IsPriority("CustomObject__c"))
}

func TestExtractIds(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Account.csv"), []byte("Id,Name\n001xx,Acme\n002xx,Globex\n"), 0o644))

	ids, err := relationship.ExtractIds("Account", dir)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, "001xx")
	assert.Contains(t, ids, "002xx")
}

func TestExtractIdsMissingIdColumn(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Account.csv"), []byte("Name\nAcme\n"), 0o644))

	_, err := relationship.ExtractIds("Account", dir)
	assert.Error(t, err)
}

func TestBuildWhereMultiField(t *testing.T) {
	ids := map[string]struct{}{"001xx": {}}
	where := relationship.BuildWhereMultiField([]string{"AccountId", "WhatId"}, ids)
	assert.Contains(t, where, "AccountId IN ('001xx')")
	assert.Contains(t, where, "WhatId IN ('001xx')")
	assert.Contains(t, where, " OR ")
}

func TestBuildWhereMultiFieldEmpty(t *testing.T) {
	assert.Empty(t, relationship.BuildWhereMultiField(nil, map[string]struct{}{"x": {}}))
	assert.Empty(t, relationship.BuildWhereMultiField([]string{"AccountId"}, nil))
}

func TestCollapseByChild(t *testing.T) {
	entries := []relationship.SelectionEntry{
		{ChildObject: "Contact", ParentField: "AccountId", Depth: 1},
		{ChildObject: "Opportunity", ParentField: "AccountId", Depth: 1},
		{ChildObject: "Opportunity", ParentField: "RelatedAccountId", Depth: 2},
	}
	ids := map[string]struct{}{"001xx": {}}

	tasks := relationship.CollapseByChild(entries, ids)
	require.Len(t, tasks, 2)

	byChild := make(map[string]types.RelatedBackupTask)
	for _, task := range tasks {
		byChild[task.ChildObject] = task
	}

	assert.Equal(t, []string{"AccountId"}, byChild["Contact"].ParentFields)
	assert.ElementsMatch(t, []string{"AccountId", "RelatedAccountId"}, byChild["Opportunity"].ParentFields)
	assert.Equal(t, 2, byChild["Opportunity"].Depth)
}

func TestEntriesFromTreePriorityOnly(t *testing.T) {
	tree := &relationship.Tree{
		Root: &relationship.Node{
			ObjectName: "Account",
			Children: []*relationship.Node{
				{ObjectName: "Contact", ParentField: "AccountId", Depth: 1, Priority: true},
				{ObjectName: "CustomObject__c", ParentField: "AccountId", Depth: 1, Priority: false},
			},
		},
	}

	all := relationship.EntriesFromTree(tree, false)
	assert.Len(t, all, 2)

	priorityOnly := relationship.EntriesFromTree(tree, true)
	require.Len(t, priorityOnly, 1)
	assert.Equal(t, "Contact", priorityOnly[0].ChildObject)
}
