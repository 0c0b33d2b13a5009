package engine

import "context"

// ProbeResult is what the resume probe (spec §4.2) hands back to the
// object state machine: the upload id to adopt (if any), its already
// completed parts, and every other in-progress upload id discovered for
// the same key, kept around only so CLEANUP can abort the ones not
// adopted.
type ProbeResult struct {
	Adopted        bool
	UploadID       string
	CompletedParts map[int32]struct{}
	Others         []UploadCandidate
}

// Probe discovers whether a prior attempt left resumable state at the
// destination for (bucket, key): operation 1 (discover upload id) then,
// if one was found, operation 2 (enumerate its completed parts).
//
// Listing failures are never retried here — spec §4.2 treats "couldn't
// list" as equivalent to "nothing resumable," since starting a fresh
// upload is always correct.
func Probe(ctx context.Context, store MultipartStore, bucket, key string) ProbeResult {
	candidates, err := store.ListMultipartUploads(ctx, bucket, key)
	if err != nil || len(candidates) == 0 {
		return ProbeResult{}
	}

	latest := candidates[0]
	for _, c := range candidates[1:] {
		if c.Initiated.After(latest.Initiated) {
			latest = c
		}
	}

	others := make([]UploadCandidate, 0, len(candidates)-1)
	for _, c := range candidates {
		if c.UploadID != latest.UploadID {
			others = append(others, c)
		}
	}

	return ProbeResult{
		Adopted:        true,
		UploadID:       latest.UploadID,
		CompletedParts: CompletedParts(ctx, store, bucket, key, latest.UploadID),
		Others:         others,
	}
}

// CompletedParts enumerates the part numbers already uploaded under
// (bucket, key, uploadID). A listing failure yields an empty set rather
// than an error: part upload is idempotent on (uploadID, partNumber), so
// the worst case is re-uploading parts that were already there.
func CompletedParts(ctx context.Context, store MultipartStore, bucket, key, uploadID string) map[int32]struct{} {
	nums, err := store.ListParts(ctx, bucket, key, uploadID)
	result := make(map[int32]struct{}, len(nums))
	if err != nil {
		return result
	}
	for _, n := range nums {
		result[n] = struct{}{}
	}
	return result
}
