package marker

// HostState is the lifecycle state of the host as tracked by the agent.
type HostState = string

const (
	HostStateUnknown               HostState = "unknown"
	HostStateStarting              HostState = "starting"
	HostStateReady                 HostState = "ready"
	HostStateUpdatingApplication   HostState = "updating_application"
	HostStateUpdatingConfiguration HostState = "updating_configuration"
)

// DeploymentState is the progress of a single application version
// deployment.
type DeploymentState = string

const (
	DeploymentPending            DeploymentState = "pending_deployment"
	DeploymentPreDeploy          DeploymentState = "pre_deployment"
	DeploymentDeploying          DeploymentState = "deploying"
	DeploymentPostDeploy         DeploymentState = "post_deployment"
	DeploymentPendingHealthcheck DeploymentState = "pending_healthcheck"
	DeploymentDeployed           DeploymentState = "deployed"
	DeploymentError              DeploymentState = "error"
)

// Severity grades an Event.
type Severity = string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Tag classifies an Event for upstream filtering.
type Tag = string

const (
	TagMilestone     Tag = "milestone"
	TagDeployment    Tag = "deployment"
	TagError         Tag = "error"
	TagHealthcheck   Tag = "healthcheck"
	TagConfiguration Tag = "configuration"
	TagUpdate        Tag = "update"
	TagHostManager   Tag = "hostmanager"
	TagSystem        Tag = "system"
	TagS3            Tag = "s3"
	TagAppServer     Tag = "appserver"
)

// PublicationState tracks a file queued for upload.
type PublicationState = string

const (
	PublicationPending    PublicationState = "pending"
	PublicationInProgress PublicationState = "in_progress"
	PublicationComplete   PublicationState = "complete"
	PublicationError      PublicationState = "error"
)

// ChangeSeverityMedium is the configuration change severity that requires
// the application server to pick up new settings.
const ChangeSeverityMedium = "medium"

// StatusTimeFormat is the timestamp layout used in Status task results.
const StatusTimeFormat = "2006-01-02T15:04:05 -0700"
