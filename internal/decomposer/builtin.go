package decomposer

import "dev.helix.conductor/internal/models"

// Builtin returns the default decomposition plan for a task type. Every
// known type has one, so decomposition never fails for lack of a template;
// registered DB or file templates take precedence.
func Builtin(taskType models.TaskType) *models.WorkflowTemplate {
	switch taskType {
	case models.TaskBugFix:
		return &models.WorkflowTemplate{
			Name:     "builtin/bug_fix",
			TaskType: models.TaskBugFix,
			Steps: []models.TemplateStep{
				{Position: 0, Name: "Analysis", SubtaskType: models.SubtaskAnalysis,
					RecommendedTools:     []string{"claude_code", "gemini_cli"},
					RequiredCapabilities: []string{"analysis"}},
				{Position: 1, Name: "Code Fix", SubtaskType: models.SubtaskCodeFix, DependsOn: []int{0},
					RecommendedTools:     []string{"claude_code"},
					RequiredCapabilities: []string{"code_fix"}},
				{Position: 2, Name: "Test Verification", SubtaskType: models.SubtaskTest, DependsOn: []int{1},
					RecommendedTools:     []string{"claude_code", "codex_cli"},
					RequiredCapabilities: []string{"test_generation"}},
			},
		}
	case models.TaskRefactor:
		return &models.WorkflowTemplate{
			Name:     "builtin/refactor",
			TaskType: models.TaskRefactor,
			Steps: []models.TemplateStep{
				{Position: 0, Name: "Analysis", SubtaskType: models.SubtaskAnalysis,
					RecommendedTools:     []string{"claude_code"},
					RequiredCapabilities: []string{"analysis"}},
				{Position: 1, Name: "Refactor", SubtaskType: models.SubtaskCodeGeneration, DependsOn: []int{0},
					RecommendedTools:     []string{"claude_code"},
					RequiredCapabilities: []string{"code_generation"}},
				{Position: 2, Name: "Code Review", SubtaskType: models.SubtaskCodeReview, DependsOn: []int{1},
					RecommendedTools:     []string{"gemini_cli", "claude_code"},
					RequiredCapabilities: []string{"code_review"}},
				{Position: 3, Name: "Test Verification", SubtaskType: models.SubtaskTest, DependsOn: []int{2},
					RecommendedTools:     []string{"claude_code", "codex_cli"},
					RequiredCapabilities: []string{"test_generation"}},
			},
		}
	case models.TaskCodeReview:
		return &models.WorkflowTemplate{
			Name:     "builtin/code_review",
			TaskType: models.TaskCodeReview,
			Steps: []models.TemplateStep{
				{Position: 0, Name: "Code Review", SubtaskType: models.SubtaskCodeReview,
					RecommendedTools:     []string{"claude_code", "gemini_cli"},
					RequiredCapabilities: []string{"code_review"}},
			},
		}
	case models.TaskDocumentation:
		return &models.WorkflowTemplate{
			Name:     "builtin/documentation",
			TaskType: models.TaskDocumentation,
			Steps: []models.TemplateStep{
				{Position: 0, Name: "Documentation", SubtaskType: models.SubtaskDocumentation,
					RecommendedTools:     []string{"gemini_cli", "claude_code"},
					RequiredCapabilities: []string{"documentation"}},
			},
		}
	case models.TaskTesting:
		return &models.WorkflowTemplate{
			Name:     "builtin/testing",
			TaskType: models.TaskTesting,
			Steps: []models.TemplateStep{
				{Position: 0, Name: "Test Plan", SubtaskType: models.SubtaskAnalysis,
					RecommendedTools:     []string{"claude_code"},
					RequiredCapabilities: []string{"analysis"}},
				{Position: 1, Name: "Test Generation", SubtaskType: models.SubtaskTest, DependsOn: []int{0},
					RecommendedTools:     []string{"claude_code", "codex_cli"},
					RequiredCapabilities: []string{"test_generation"}},
			},
		}
	default:
		// develop_feature, and the fallback for anything unrecognized.
		return &models.WorkflowTemplate{
			Name:     "builtin/develop_feature",
			TaskType: models.TaskDevelopFeature,
			Steps: []models.TemplateStep{
				{Position: 0, Name: "Code Generation", SubtaskType: models.SubtaskCodeGeneration,
					RecommendedTools:     []string{"claude_code"},
					RequiredCapabilities: []string{"code_generation"}},
				{Position: 1, Name: "Code Review", SubtaskType: models.SubtaskCodeReview, DependsOn: []int{0},
					RecommendedTools:     []string{"claude_code", "gemini_cli"},
					RequiredCapabilities: []string{"code_review"}},
				{Position: 2, Name: "Test Generation", SubtaskType: models.SubtaskTest, DependsOn: []int{1},
					RecommendedTools:     []string{"claude_code", "codex_cli"},
					RequiredCapabilities: []string{"test_generation"}},
				{Position: 3, Name: "Documentation", SubtaskType: models.SubtaskDocumentation, DependsOn: []int{1},
					RecommendedTools:     []string{"gemini_cli", "claude_code"},
					RequiredCapabilities: []string{"documentation"}},
			},
		}
	}
}
