package observability

// Span names.
const (
	SpanToolCall    = "ensemble.tool.call"
	SpanToolList    = "ensemble.tool.list"
	SpanPlanExecute = "ensemble.plan.execute"
	SpanTaskExecute = "ensemble.task.execute"
	SpanObjective   = "ensemble.objective"
	SpanServerBoot  = "ensemble.server.boot"
)

// Attribute keys.
const (
	AttrToolName   = "ensemble.tool.name"
	AttrToolDomain = "ensemble.tool.domain"
	AttrServerName = "ensemble.server.name"
	AttrSessionID  = "ensemble.session.id"
	AttrPlanID     = "ensemble.plan.id"
	AttrTaskID     = "ensemble.task.id"
	AttrAgentName  = "ensemble.agent.name"
	AttrErrorKind  = "ensemble.error.kind"
)
