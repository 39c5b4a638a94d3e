package constants

// Activity names used for workflow registration and execution.
// Using constants eliminates magic strings and ensures consistency.
// Each value must match the method name on activities.Activities.
const (
	// Configuration snapshot
	GetWorkflowConfigActivity = "GetWorkflowConfig"

	// Planning activities
	DecomposeTasksActivity = "DecomposeTasks"
	EvolvePromptsActivity  = "EvolvePrompts"

	// Agent execution activities
	ExecuteTaskActivity = "ExecuteTask"

	// Validation activities
	ValidateOutputsActivity = "ValidateOutputs"

	// Moderation activities
	ModerateContentActivity     = "ModerateContent"
	RecordModerationHitActivity = "RecordModerationHit"

	// Cache activities
	LookupCachedResultActivity    = "LookupCachedResult"
	StoreCachedResultActivity     = "StoreCachedResult"
	AcquireComputeLeaseActivity   = "AcquireComputeLease"
	ReleaseComputeLeaseActivity   = "ReleaseComputeLease"
	RehydrateCachedResultActivity = "RehydrateCachedResult"

	// Capsule activities
	AssembleCapsuleActivity = "AssembleCapsule"

	// Ledger activities
	CheckQuotaActivity     = "CheckQuota"
	FinalizeLedgerActivity = "FinalizeLedger"

	// Admission policy activities
	EvaluateAdmissionActivity = "EvaluateAdmission"

	// Run bookkeeping activities
	UpsertRunRecordActivity = "UpsertRunRecord"

	// Streaming activities
	PublishProgressActivity = "PublishProgress"

	// Plan memory activities
	LookupPlanHintsActivity  = "LookupPlanHints"
	RecordPlanMemoryActivity = "RecordPlanMemory"
)
