package exitcode

const (
	Success         = 0
	UsageError      = 1
	ValidationError = 2
	DBConnError     = 3
	MigrationError  = 4
	ImportError     = 5
	// PartialSuccess means a remittance batch ran but some lines were
	// unmatched, failed or left for review.
	PartialSuccess = 6
)
