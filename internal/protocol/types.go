package protocol

import (
	"github.com/inkvault/inkvault/internal/vfs"
)

// View selects how paths are rendered for the caller. Devices see the
// two-level category layout (/NOTE/Note); the web surface sees it collapsed
// (/Note). See vfs.ExpandPath / vfs.CollapsePath.
type View string

const (
	ViewDevice View = "device"
	ViewWeb    View = "web"
)

// FileEntry is the wire representation of a tree node.
type FileEntry struct {
	ID         int64  `json:"id"`
	ParentID   int64  `json:"parentId"`
	Name       string `json:"name"`
	IsDir      bool   `json:"isDirectory"`
	Size       int64  `json:"size"`
	MD5        string `json:"md5,omitempty"`
	Path       string `json:"path,omitempty"`
	CreateTime int64  `json:"createTime"`
	UpdateTime int64  `json:"updateTime"`
	SyncTag    string `json:"syncTag,omitempty"`
}

// RecycleItem is the wire representation of a recycle bin entry.
type RecycleItem struct {
	ID         int64  `json:"id"`
	NodeID     int64  `json:"nodeId"`
	Name       string `json:"name"`
	IsDir      bool   `json:"isDirectory"`
	Size       int64  `json:"size"`
	DeleteTime int64  `json:"deleteTime"`
}

// SyncStartRequest opens a device sync window.
type SyncStartRequest struct {
	EquipmentNo string `json:"equipmentNo"`
}

// SyncStartResponse reports the acquired sync window.
type SyncStartResponse struct {
	EquipmentNo string `json:"equipmentNo"`
	LockedUntil int64  `json:"lockedUntil"`
}

// SyncEndRequest closes a device sync window.
type SyncEndRequest struct {
	EquipmentNo string `json:"equipmentNo"`
}

// CapacityResponse reports storage usage for a user.
type CapacityResponse struct {
	UsedBytes  int64 `json:"usedBytes"`
	LimitBytes int64 `json:"limitBytes"` // 0 = unlimited
}

// ListFolderRequest lists a directory by path or id. ID wins when both are
// set; a zero ID with an empty path lists the root.
type ListFolderRequest struct {
	Path      string `json:"path,omitempty"`
	ID        int64  `json:"id,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`
	View      View   `json:"view,omitempty"`
}

// ListFolderResponse carries a directory listing.
type ListFolderResponse struct {
	Directory FileEntry   `json:"directory"`
	Entries   []FileEntry `json:"entries"`
	Total     int         `json:"total"`
}

// CreateFolderRequest creates a directory chain.
type CreateFolderRequest struct {
	Path string `json:"path"`
	View View   `json:"view,omitempty"`
}

// RenameRequest renames a node in place.
type RenameRequest struct {
	ID      int64  `json:"id"`
	NewName string `json:"newName"`
}

// MoveRequest reparents a node. DestPath is resolved when DestID is zero.
type MoveRequest struct {
	ID       int64  `json:"id"`
	DestID   int64  `json:"destId,omitempty"`
	DestPath string `json:"destPath,omitempty"`
	NewName  string `json:"newName,omitempty"`
	View     View   `json:"view,omitempty"`
}

// CopyRequest clones a node. DestPath is resolved when DestID is zero.
type CopyRequest struct {
	ID       int64  `json:"id"`
	DestID   int64  `json:"destId,omitempty"`
	DestPath string `json:"destPath,omitempty"`
	NewName  string `json:"newName,omitempty"`
	View     View   `json:"view,omitempty"`
}

// RecycleListRequest pages through the recycle bin, newest first.
// A zero Limit returns everything from Offset on.
type RecycleListRequest struct {
	Offset int `json:"offset,omitempty"`
	Limit  int `json:"limit,omitempty"`
}

// RecycleListResponse carries one page of recycle entries.
type RecycleListResponse struct {
	Items []RecycleItem `json:"items"`
	Total int           `json:"total"`
}

// UploadApplyRequest opens a chunked upload toward DirectoryPath/FileName.
type UploadApplyRequest struct {
	DirectoryPath string `json:"directoryPath"`
	FileName      string `json:"fileName"`
	Size          int64  `json:"size"`
	View          View   `json:"view,omitempty"`
}

// UploadApplyResponse returns the session and its single-use transfer URL.
type UploadApplyResponse struct {
	SessionID string `json:"sessionId"`
	UploadURL string `json:"uploadUrl"`
}

// UploadFinishRequest closes a session, declaring the expected digest.
type UploadFinishRequest struct {
	SessionID string `json:"sessionId"`
	MD5       string `json:"md5,omitempty"`
}

// DownloadApplyRequest requests a single-use download URL for a file,
// addressed by id or path.
type DownloadApplyRequest struct {
	ID   int64  `json:"id,omitempty"`
	Path string `json:"path,omitempty"`
	View View   `json:"view,omitempty"`
}

// DownloadApplyResponse carries the signed URL.
type DownloadApplyResponse struct {
	URL string `json:"url"`
}

// SearchRequest searches live file names.
type SearchRequest struct {
	Keyword string `json:"keyword"`
	View    View   `json:"view,omitempty"`
}

// SearchResponse carries the matches.
type SearchResponse struct {
	Entries []FileEntry `json:"entries"`
	Total   int         `json:"total"`
}

func entryFromNode(n *vfs.Node, path string, view View) FileEntry {
	if view == ViewWeb && path != "" {
		path = vfs.CollapsePath(path)
	}
	return FileEntry{
		ID:         n.ID,
		ParentID:   n.ParentID,
		Name:       n.Name,
		IsDir:      n.IsDir,
		Size:       n.Size,
		MD5:        n.BlobHash,
		Path:       path,
		CreateTime: n.CreatedAt,
		UpdateTime: n.UpdatedAt,
		SyncTag:    n.SyncTag,
	}
}

// clientPath normalizes a caller-supplied path into the internal layout.
func clientPath(p string, view View) string {
	if view == ViewWeb {
		return vfs.ExpandPath(p)
	}
	return p
}
