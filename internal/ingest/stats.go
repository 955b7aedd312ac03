package ingest

// BlobStats counts blob creation and deduplication for one body kind.
type BlobStats struct {
	Created            int
	Deduplicated       int
	BytesStored        int64
	BytesDeduplicated  int64
}

func (s *BlobStats) record(isNew bool, bytes int) {
	if bytes == 0 {
		return
	}
	if isNew {
		s.Created++
		s.BytesStored += int64(bytes)
	} else {
		s.Deduplicated++
		s.BytesDeduplicated += int64(bytes)
	}
}

// Add folds other into s.
func (s *BlobStats) Add(other BlobStats) {
	s.Created += other.Created
	s.Deduplicated += other.Deduplicated
	s.BytesStored += other.BytesStored
	s.BytesDeduplicated += other.BytesDeduplicated
}

// Stats summarizes one or more imports.
type Stats struct {
	EntriesImported int
	EntriesSkipped  int
	Request         BlobStats
	Response        BlobStats
}

// Add folds other into s.
func (s *Stats) Add(other Stats) {
	s.EntriesImported += other.EntriesImported
	s.EntriesSkipped += other.EntriesSkipped
	s.Request.Add(other.Request)
	s.Response.Add(other.Response)
}
