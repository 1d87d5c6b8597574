package blobstore

import "fmt"

// AuthError indicates the token exchange with the backend failed.
// It is fatal to the enclosing request.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("backend token exchange failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NotFoundError indicates the backend reported that a path does not exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("blob not found: %s", e.Path)
}

// WriteError indicates an upload failed. Callers decide whether this is
// fatal to the enclosing request.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("blob write failed for %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ListError indicates a folder listing failed. Callers treat this as an
// empty result where the listing is supplementary.
type ListError struct {
	Folder string
	Err    error
}

func (e *ListError) Error() string {
	return fmt.Sprintf("blob listing failed for %s: %v", e.Folder, e.Err)
}

func (e *ListError) Unwrap() error { return e.Err }

// RequestError is a backend failure that is neither a missing path nor a
// write/list failure, such as a transport error or unexpected status on a
// download.
type RequestError struct {
	Op     string
	Path   string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("blob %s failed for %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("blob %s failed for %s: status %d", e.Op, e.Path, e.Status)
}

func (e *RequestError) Unwrap() error { return e.Err }
