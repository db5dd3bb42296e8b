package marker

type Key = string

// Task parameter keys as sent by the orchestrator.
const (
	ParamVersionURL     Key = "versionUrl"
	ParamConfigURL      Key = "configUrl"
	ParamDigest         Key = "digest"
	ParamCipherKey      Key = "key"
	ParamCipherIV       Key = "iv"
	ParamFilter         Key = "filter"
	ParamReadOnly       Key = "readOnly"
	ParamHostManagerURL Key = "hostManagerUrl"
	ParamS3URL          Key = "s3url"
	ParamFilename       Key = "filename"
	ParamContentType    Key = "content-type"
)

// Status filter sections.
const (
	StatusEvents       Key = "events"
	StatusPublications Key = "publications"
	StatusMetrics      Key = "metrics"
	StatusVersions     Key = "versions"
)

// ContextMetric is the HostState context key holding the in-flight metric.
const ContextMetric Key = "metric"

// Configuration bundle sections and settings.
const (
	BundleApplication      Key = "application"
	BundleElasticBeanstalk Key = "elasticbeanstalk"
	BundleContainer        Key = "container"

	SectionHostManager    Key = "HostManager"
	SectionApplication    Key = "Application"
	SettingChangeSeverity Key = "Change Severity"
	SettingLogPublication Key = "LogPublicationControl"
	SettingEnvironment    Key = "Environment Properties"
	SettingHealthcheckURL Key = "Application Healthcheck URL"
	SettingLogStorage     Key = "Application Log Storage"
)

// UserDataConfiguration is the user data key naming the initial
// configuration version.
const UserDataConfiguration Key = "configuration"

// Properties injected into emitted metrics.
const (
	MetricPropertyContainer Key = "Container"
	MetricPropertyInstance  Key = "InstanceType"
)
