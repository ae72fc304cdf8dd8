package cmdbus

// Exported for black-box tests
var (
	NewAggregateCache = newAggregateCache
	CacheKey          = cacheKey
)

// QueuedJobs returns the number of jobs waiting behind the running one
func QueuedJobs(q *CommitQueue) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
