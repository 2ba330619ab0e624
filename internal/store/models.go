package store

import "time"

// TreeMetadata is the denormalized record kept per tree for listings.
// Title and NodeCount are eventually-consistent caches of the live
// replicated state; the metadata synchronizer overwrites them on connect
// and on selected mutations.
type TreeMetadata struct {
	TreeID       string     `json:"treeId"`
	Owner        string     `json:"owner"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastAccessed time.Time  `json:"lastAccessed"`
	Title        string     `json:"title"`
	NodeCount    int        `json:"nodeCount"`
	Deleted      bool       `json:"deleted"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
}

// TreePermission grants one user one permission level on one tree. At
// most one record exists per (tree, user) pair.
type TreePermission struct {
	TreeID         string `json:"treeId"`
	UserID         string `json:"userId"`
	PermissionType string `json:"permissionType"`
}

// TreeVisit records when a user last opened a tree. Independent of both
// permissions and document content.
type TreeVisit struct {
	UserID      string    `json:"userId"`
	TreeID      string    `json:"treeId"`
	LastVisited time.Time `json:"lastVisited"`
}

// VisitedTree is a visit joined with the tree's metadata for history
// listings.
type VisitedTree struct {
	TreeMetadata
	LastVisited time.Time `json:"lastVisited"`
}
