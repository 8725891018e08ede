package task

// Type is the kind of work a task represents.
type Type string

const (
	TypeWritePRD           Type = "write_prd"
	TypeDesignArchitecture Type = "design_architecture"
	TypeDesignUIUX         Type = "design_ui_ux"
	TypeCreatePrototype    Type = "create_prototype"
	TypeDesignReview       Type = "design_review"
	TypeDevelopAPI         Type = "develop_api"
	TypeImplementFeature   Type = "implement_feature"
	TypeWriteTests         Type = "write_tests"
	TypeDeploy             Type = "deploy"
	TypeEstimateCost       Type = "estimate_cost"
	TypeOptimizeResources  Type = "optimize_resources"
	TypeCostAlert          Type = "cost_alert"
	TypeSecurityReview     Type = "security_review"
	TypeVulnerabilityScan  Type = "vulnerability_scan"
	TypeComplianceCheck    Type = "compliance_check"
	TypeAnalyzeData        Type = "analyze_data"
	TypeManageKnowledge    Type = "manage_knowledge"
	TypeCoordinate         Type = "coordinate"
)

// AllTypes lists every known task type in declaration order.
var AllTypes = []Type{
	TypeWritePRD,
	TypeDesignArchitecture,
	TypeDesignUIUX,
	TypeCreatePrototype,
	TypeDesignReview,
	TypeDevelopAPI,
	TypeImplementFeature,
	TypeWriteTests,
	TypeDeploy,
	TypeEstimateCost,
	TypeOptimizeResources,
	TypeCostAlert,
	TypeSecurityReview,
	TypeVulnerabilityScan,
	TypeComplianceCheck,
	TypeAnalyzeData,
	TypeManageKnowledge,
	TypeCoordinate,
}

// Valid reports whether t is one of the known task types.
func (t Type) Valid() bool {
	for _, k := range AllTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Known agent identifiers.
const (
	AgentCoordinator      = "agent-coordinator"
	AgentPM               = "agent-pm"
	AgentArchitect        = "agent-architect"
	AgentUIUXDesigner     = "agent-ui-ux-designer"
	AgentBackendDev       = "agent-backend-dev"
	AgentFrontendDev      = "agent-frontend-dev"
	AgentQA               = "agent-qa"
	AgentDevOps           = "agent-devops"
	AgentFinOpsGuardian   = "agent-finops-guardian"
	AgentSecurityGuardian = "agent-security-guardian"
	AgentDataAnalyst      = "agent-data-analyst"
	AgentKnowledgeManager = "agent-knowledge-mgr"
)

// AllAgents lists every known agent in declaration order.
var AllAgents = []string{
	AgentCoordinator, AgentPM, AgentArchitect, AgentUIUXDesigner,
	AgentBackendDev, AgentFrontendDev, AgentQA, AgentDevOps,
	AgentFinOpsGuardian, AgentSecurityGuardian, AgentDataAnalyst, AgentKnowledgeManager,
}
