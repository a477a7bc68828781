// Package images normalizes uploaded cover images and manages their files.
//
// An upload is first staged to a temporary file, where its content type is
// sniffed and checked against the allow-list. Ingest then resizes and
// re-encodes it into the public image directory and always removes the staged
// file. Discard deletes a previously ingested image.
package images
