package pvml

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"gopkg.in/yaml.v3"
)

// ProductTypeConfig describes one product type from the global
// configuration.
type ProductTypeConfig struct {
	// MatchExpression is an anchored regular expression that classifies
	// filenames as belonging to this product type.
	MatchExpression string `yaml:"matchExpression"`

	// StartTimeExpression/StopTimeExpression extract a validity timestamp
	// from a filename. The first capture group is parsed using the
	// corresponding format.
	StartTimeExpression string     `yaml:"startTimeExpression"`
	StartTimeFormat     TimeFormat `yaml:"startTimeFormat"`
	StopTimeExpression  string     `yaml:"stopTimeExpression"`
	StopTimeFormat      TimeFormat `yaml:"stopTimeFormat"`

	// StemExpression groups multiple files into one logical product.
	// Files sharing a non-empty extracted stem form one product.
	StemExpression string `yaml:"stemExpression"`

	// StemAsPhysicalDBL appends ".DBL" to Physical file names in MMFI job
	// orders for stem based products.
	StemAsPhysicalDBL bool `yaml:"stemAsPhysicalDBL"`

	HasMetadataFile       bool `yaml:"hasMetadataFile"`
	HasMultiProductOutput bool `yaml:"hasMultiProductOutput"`

	// Baseline is emitted in EEGS job order outputs.
	Baseline string `yaml:"baseline"`
}

// UsesStem reports whether products of this type consist of multiple files
// identified by a common stem.
func (p *ProductTypeConfig) UsesStem() bool {
	return p != nil && (p.StemExpression != "" || p.StemAsPhysicalDBL)
}

// ConfigProduct is a user supplied product reference from the job
// configuration, with an optional explicit validity interval.
type ConfigProduct struct {
	Reference string
	Start     *time.Time
	Stop      *time.Time
}

// ConfigInput lists the user supplied products for one product type.
type ConfigInput struct {
	ProductType string
	Products    []ConfigProduct
}

// Config is the fully decoded PVML configuration: the global configuration
// file merged with one job configuration file. It is read-only once a job
// has been constructed from it.
type Config struct {
	// Global (common)
	Backend            string
	ArchiveBackend     string
	ArchiveOptions     map[string]string
	TaskTablePath      []string
	TaskTableSchema    string
	JobOrderSchema     string
	WorkspaceDirectory string
	TaskWrapper        string
	ProductTypes       map[string]*ProductTypeConfig

	// ConfigDir is the directory of the job configuration file, used to
	// resolve relative paths and product references.
	ConfigDir string

	// Global (MMFI)
	AcquisitionStation                            string
	ProcessingStation                             string
	ConfigSpaces                                  map[string]string
	VariantUseNumericalOrderID                    bool
	VariantSplitLoggingLevel                      bool
	VariantGlobalBreakpointEnable                 bool
	VariantSensingTimeFlag                        bool
	VariantBreakpointElementName                  string
	VariantAlternateDynProcParamName              bool
	VariantAlwaysIncludeInputTimeInterval         bool
	VariantClipInputTimeIntervalToSensingInterval bool
	VariantUseTroubleshooting                     bool
	VariantJobOrderTimeFormat                     TimeFormat
	VariantMinTimePattern                         string
	VariantMaxTimePattern                         string
	VariantIgnoreListFile                         bool
	VariantListFileMandatory                      bool
	VariantListFileUsesOrderID                    bool
	VariantListFileContainsStem                   bool

	// Global (EEGS)
	JobOrderSchemaName        string
	JobOrderSchemaVersion     string
	FileClass                 string
	VariantRegexOutputPattern bool

	// Job specific (common)
	JobOrderID           string
	ProcessorName        string
	ProcessorVersion     string
	WorkingDirectory     string
	LogLevel             string
	EnableBreakpoints    bool
	SensingStart         *time.Time
	SensingStop          *time.Time
	ProcessingParameters map[string]string
	ExitCodes            map[string][]int
	Inputs               []ConfigInput

	// Job specific (MMFI)
	Mode      string
	Test      bool
	OrderType string

	// Job specific (EEGS)
	ProcessingNode string
}

// NewConfig returns a Config holding the documented defaults. Callers load
// a global and a job configuration file on top of it.
func NewConfig() *Config {
	return &Config{
		Backend:                       "MMFI",
		ArchiveBackend:                "local",
		ProductTypes:                  make(map[string]*ProductTypeConfig),
		ConfigSpaces:                  make(map[string]string),
		VariantUseNumericalOrderID:    true,
		VariantSplitLoggingLevel:      true,
		VariantGlobalBreakpointEnable: true,
		VariantBreakpointElementName:  "BreakPoint",
		VariantJobOrderTimeFormat:     TimeFormatCompactMicro,
		VariantListFileUsesOrderID:    true,
		JobOrderSchemaName:            "JobOrder",
		JobOrderSchemaVersion:         "1.0",
		JobOrderID:                    xid.New().String(),
		LogLevel:                      "INFO",
		ProcessingParameters:          make(map[string]string),
		ExitCodes:                     make(map[string][]int),
	}
}

// globalConfigFile is the YAML shape of the global configuration file.
type globalConfigFile struct {
	InterfaceBackend   string                        `yaml:"interfaceBackend" validate:"omitempty,oneof=MMFI EEGS"`
	ArchiveBackend     string                        `yaml:"archiveBackend"`
	ArchiveOptions     map[string]string             `yaml:"archiveOptions"`
	TaskTablePath      string                        `yaml:"taskTablePath"`
	TaskTableSchema    string                        `yaml:"taskTableSchema"`
	JobOrderSchema     string                        `yaml:"jobOrderSchema"`
	WorkspaceDirectory string                        `yaml:"workspaceDirectory"`
	TaskWrapper        string                        `yaml:"taskWrapper"`
	AcquisitionStation string                        `yaml:"acquisitionStation"`
	ProcessingStation  string                        `yaml:"processingStation"`
	ProductTypes       map[string]*ProductTypeConfig `yaml:"productTypes"`

	SplitLoggingLevel                       *bool  `yaml:"splitLoggingLevel"`
	GlobalBreakpointEnable                  *bool  `yaml:"globalBreakpointEnable"`
	SensingTimeFlag                         *bool  `yaml:"sensingTimeFlag"`
	AlternateBreakpointElementName          *bool  `yaml:"alternateBreakpointElementName"`
	AlternateDynamicProcessingParameterName *bool  `yaml:"alternateDynamicProcessingParameterName"`
	AlwaysIncludeInputTimeInterval          *bool  `yaml:"alwaysIncludeInputTimeInterval"`
	ClipInputTimeIntervalToSensingInterval  *bool  `yaml:"clipInputTimeIntervalToSensingInterval"`
	UseTroubleshooting                      *bool  `yaml:"useTroubleshooting"`
	JobOrderTimeFormat                      string `yaml:"jobOrderTimeFormat"`
	MinTimeValue                            string `yaml:"minTimeValue"`
	MaxTimeValue                            string `yaml:"maxTimeValue"`
	NumericalOrderID                        *bool  `yaml:"numericalOrderId"`
	IgnoreListFile                          *bool  `yaml:"ignoreListFile"`
	ListFileMandatory                       *bool  `yaml:"listFileMandatory"`
	ListFilenameUsesOrderID                 *bool  `yaml:"listFilenameUsesOrderId"`
	ListFileContainsStem                    *bool  `yaml:"listFileContainsStem"`

	JobOrderSchemaName    string `yaml:"jobOrderSchemaName"`
	JobOrderSchemaVersion string `yaml:"jobOrderSchemaVersion"`
	FileClass             string `yaml:"fileClass"`
	UseRegexOutputPattern *bool  `yaml:"useRegexOutputPattern"`
}

// jobConfigFile is the YAML shape of the job configuration file.
type jobConfigFile struct {
	ProcessorName      string            `yaml:"processorName" validate:"required"`
	ProcessorVersion   string            `yaml:"processorVersion" validate:"required"`
	JobOrderID         string            `yaml:"jobOrderId"`
	WorkingDirectory   string            `yaml:"workingDirectory"`
	ProcessingNode     string            `yaml:"processingNode"`
	Mode               string            `yaml:"mode"`
	FileClass          string            `yaml:"fileClass"`
	LoggingLevel       string            `yaml:"loggingLevel" validate:"omitempty,oneof=DEBUG INFO PROGRESS WARNING ERROR"`
	EnableBreakpoints  *bool             `yaml:"enableBreakpoints"`
	Test               *bool             `yaml:"test"`
	AcquisitionStation string            `yaml:"acquisitionStation"`
	ProcessingStation  string            `yaml:"processingStation"`
	OrderType          string            `yaml:"orderType"`
	SensingStart       string            `yaml:"sensingStart"`
	SensingStop        string            `yaml:"sensingStop"`
	Parameters         map[string]string `yaml:"processingParameters"`
	ConfigSpaces       map[string]string `yaml:"configSpaces"`
	ExitCodes          map[string]string `yaml:"exitCodes"`
	ArchiveOptions     map[string]string `yaml:"archiveOptions"`
	Inputs             []jobConfigInput  `yaml:"inputs"`
}

type jobConfigInput struct {
	ProductType string             `yaml:"productType" validate:"required"`
	Products    []jobConfigProduct `yaml:"products"`
}

type jobConfigProduct struct {
	Reference string `yaml:"reference" validate:"required"`
	Start     string `yaml:"start"`
	Stop      string `yaml:"stop"`
}

var validate = validator.New()

func decodeYAMLFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{Msg: "could not read configuration file", Err: err}
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return &ConfigError{Msg: "could not parse '" + path + "'", Err: err}
	}
	if err := validate.Struct(v); err != nil {
		return &ConfigError{Msg: "invalid configuration file '" + path + "'", Err: err}
	}
	return nil
}

// ReadGlobalConfig loads the global configuration file on top of c.
func (c *Config) ReadGlobalConfig(path string) error {
	var raw globalConfigFile
	if err := decodeYAMLFile(path, &raw); err != nil {
		return err
	}
	dir := filepath.Dir(path)

	if raw.InterfaceBackend != "" {
		c.Backend = raw.InterfaceBackend
	}
	if raw.ArchiveBackend != "" {
		c.ArchiveBackend = raw.ArchiveBackend
	}
	if raw.ArchiveOptions != nil {
		c.ArchiveOptions = raw.ArchiveOptions
	}
	if raw.TaskTablePath != "" {
		c.TaskTablePath = nil
		for _, component := range strings.Split(raw.TaskTablePath, ":") {
			if !filepath.IsAbs(component) {
				component = filepath.Join(dir, component)
			}
			c.TaskTablePath = append(c.TaskTablePath, component)
		}
	}
	if raw.WorkspaceDirectory != "" {
		c.WorkspaceDirectory = raw.WorkspaceDirectory
		if !filepath.IsAbs(c.WorkspaceDirectory) {
			c.WorkspaceDirectory = filepath.Join(dir, c.WorkspaceDirectory)
		}
	}
	if raw.TaskTableSchema != "" {
		c.TaskTableSchema = absAgainst(dir, raw.TaskTableSchema)
	}
	if raw.JobOrderSchema != "" {
		c.JobOrderSchema = absAgainst(dir, raw.JobOrderSchema)
	}
	if raw.TaskWrapper != "" {
		c.TaskWrapper = raw.TaskWrapper
	}
	if raw.AcquisitionStation != "" {
		c.AcquisitionStation = raw.AcquisitionStation
	}
	if raw.ProcessingStation != "" {
		c.ProcessingStation = raw.ProcessingStation
	}
	for name, pt := range raw.ProductTypes {
		if pt == nil {
			pt = &ProductTypeConfig{}
		}
		if pt.Baseline == "" {
			pt.Baseline = "01"
		}
		c.ProductTypes[name] = pt
	}

	applyBool(raw.SplitLoggingLevel, &c.VariantSplitLoggingLevel)
	applyBool(raw.GlobalBreakpointEnable, &c.VariantGlobalBreakpointEnable)
	applyBool(raw.SensingTimeFlag, &c.VariantSensingTimeFlag)
	if raw.AlternateBreakpointElementName != nil && *raw.AlternateBreakpointElementName {
		c.VariantBreakpointElementName = "Breakpoint"
	}
	applyBool(raw.AlternateDynamicProcessingParameterName, &c.VariantAlternateDynProcParamName)
	applyBool(raw.AlwaysIncludeInputTimeInterval, &c.VariantAlwaysIncludeInputTimeInterval)
	applyBool(raw.ClipInputTimeIntervalToSensingInterval, &c.VariantClipInputTimeIntervalToSensingInterval)
	applyBool(raw.UseTroubleshooting, &c.VariantUseTroubleshooting)
	if raw.JobOrderTimeFormat != "" {
		c.VariantJobOrderTimeFormat = TimeFormat(raw.JobOrderTimeFormat)
	}
	if raw.MinTimeValue != "" {
		c.VariantMinTimePattern = raw.MinTimeValue
	}
	if raw.MaxTimeValue != "" {
		c.VariantMaxTimePattern = raw.MaxTimeValue
	}
	applyBool(raw.NumericalOrderID, &c.VariantUseNumericalOrderID)
	applyBool(raw.IgnoreListFile, &c.VariantIgnoreListFile)
	applyBool(raw.ListFileMandatory, &c.VariantListFileMandatory)
	applyBool(raw.ListFilenameUsesOrderID, &c.VariantListFileUsesOrderID)
	applyBool(raw.ListFileContainsStem, &c.VariantListFileContainsStem)

	if raw.JobOrderSchemaName != "" {
		c.JobOrderSchemaName = raw.JobOrderSchemaName
	}
	if raw.JobOrderSchemaVersion != "" {
		c.JobOrderSchemaVersion = raw.JobOrderSchemaVersion
	}
	if raw.FileClass != "" {
		c.FileClass = raw.FileClass
	}
	applyBool(raw.UseRegexOutputPattern, &c.VariantRegexOutputPattern)
	return nil
}

// ReadJobConfig loads the job configuration file on top of c.
func (c *Config) ReadJobConfig(path string) error {
	var raw jobConfigFile
	if err := decodeYAMLFile(path, &raw); err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "resolve job config path")
	}
	c.ConfigDir = filepath.Dir(abs)

	c.ProcessorName = raw.ProcessorName
	c.ProcessorVersion = raw.ProcessorVersion
	if raw.JobOrderID != "" {
		c.JobOrderID = raw.JobOrderID
	}
	if raw.WorkingDirectory != "" {
		c.WorkingDirectory = raw.WorkingDirectory
	}
	if raw.ProcessingNode != "" {
		c.ProcessingNode = raw.ProcessingNode
	}
	if raw.Mode != "" {
		c.Mode = raw.Mode
	}
	if raw.FileClass != "" {
		c.FileClass = raw.FileClass
	}
	if raw.LoggingLevel != "" {
		c.LogLevel = raw.LoggingLevel
	}
	applyBool(raw.EnableBreakpoints, &c.EnableBreakpoints)
	applyBool(raw.Test, &c.Test)
	if raw.AcquisitionStation != "" {
		c.AcquisitionStation = raw.AcquisitionStation
	}
	if raw.ProcessingStation != "" {
		c.ProcessingStation = raw.ProcessingStation
	}
	if raw.OrderType != "" {
		c.OrderType = raw.OrderType
	}
	if raw.SensingStart != "" {
		t, err := c.ParseTimestamp(raw.SensingStart, ConfigFileTimeFormats...)
		if err != nil {
			return err
		}
		c.SensingStart = &t
	}
	if raw.SensingStop != "" {
		t, err := c.ParseTimestamp(raw.SensingStop, ConfigFileTimeFormats...)
		if err != nil {
			return err
		}
		c.SensingStop = &t
	}
	for name, value := range raw.Parameters {
		c.ProcessingParameters[name] = value
	}
	for name, value := range raw.ConfigSpaces {
		c.ConfigSpaces[name] = value
	}
	for task, codes := range raw.ExitCodes {
		fields := strings.Fields(codes)
		if len(fields) == 0 {
			return Errorf("list of expected exit codes is empty for task %s", task)
		}
		parsed := make([]int, 0, len(fields))
		for _, field := range fields {
			code, err := strconv.Atoi(field)
			if err != nil {
				return Errorf("invalid exit code '%s' for task %s", field, task)
			}
			parsed = append(parsed, code)
		}
		c.ExitCodes[task] = parsed
	}
	for name, value := range raw.ArchiveOptions {
		if c.ArchiveOptions == nil {
			c.ArchiveOptions = make(map[string]string)
		}
		c.ArchiveOptions[name] = value
	}
	for _, rawInput := range raw.Inputs {
		input := ConfigInput{ProductType: rawInput.ProductType}
		for _, rawProduct := range rawInput.Products {
			product := ConfigProduct{Reference: rawProduct.Reference}
			if rawProduct.Start != "" {
				t, err := c.ParseTimestamp(rawProduct.Start, ConfigFileTimeFormats...)
				if err != nil {
					return err
				}
				product.Start = &t
			}
			if rawProduct.Stop != "" {
				t, err := c.ParseTimestamp(rawProduct.Stop, ConfigFileTimeFormats...)
				if err != nil {
					return err
				}
				product.Stop = &t
			}
			input.Products = append(input.Products, product)
		}
		c.Inputs = append(c.Inputs, input)
	}
	return nil
}

// ExpectedExitCodes returns the expected exit code set for the named task,
// defaulting to {0}.
func (c *Config) ExpectedExitCodes(task string) []int {
	if codes, ok := c.ExitCodes[task]; ok {
		return codes
	}
	return []int{0}
}

// SensingInterval returns the configured sensing interval, using the
// sentinel bounds for unpinned sides.
func (c *Config) SensingInterval() Interval {
	iv := UnboundedInterval()
	if c.SensingStart != nil {
		iv.Start = *c.SensingStart
	}
	if c.SensingStop != nil {
		iv.Stop = *c.SensingStop
	}
	return iv
}

func applyBool(v *bool, dst *bool) {
	if v != nil {
		*dst = *v
	}
}

func absAgainst(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
