package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/spf13/cobra"

	"github.com/canvass/canvass/internal/config"
	"github.com/canvass/canvass/internal/storage"
)

// --- survey ---

var surveyCmd = &cobra.Command{
	Use:   "survey",
	Short: "Manage feedback surveys",
}

var surveyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a survey with explicit questions and criteria",
	Long: `Create a survey with explicit questions and criteria.

Examples:
  canvass survey create --title "Onboarding feedback" \
    --question "What nearly made you give up during signup?" \
    --question "Walk me through your first session." \
    --criterion "depth:How detailed and specific the answers are:0.6" \
    --criterion "relevance:How well answers address the questions:0.4" \
    --min 1 --max 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		questions, _ := cmd.Flags().GetStringArray("question")
		criteriaRaw, _ := cmd.Flags().GetStringArray("criterion")
		minAmount, _ := cmd.Flags().GetFloat64("min")
		maxAmount, _ := cmd.Flags().GetFloat64("max")

		if title == "" {
			return fmt.Errorf("--title is required")
		}
		if len(questions) == 0 {
			return fmt.Errorf("at least one --question is required")
		}

		criteria := make([]storage.Criterion, 0, len(criteriaRaw))
		for _, raw := range criteriaRaw {
			c, err := parseCriterion(raw)
			if err != nil {
				return err
			}
			criteria = append(criteria, c)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/surveys", map[string]any{
			"title":     title,
			"questions": questions,
			"criteria":  criteria,
			"price_range": map[string]float64{
				"min_amount": minAmount,
				"max_amount": maxAmount,
			},
		})
		if err != nil {
			return err
		}

		var survey storage.Survey
		if err := decodeJSON(resp, &survey); err != nil {
			return err
		}

		printSuccess("Created survey %s", survey.ID)
		return nil
	},
}

var surveyDesignCmd = &cobra.Command{
	Use:   "design",
	Short: "Let the model draft questions and criteria from a topic",
	Long: `Let the model draft questions and criteria from a topic.

Examples:
  canvass survey design --title "Churn interviews" \
    --topic "why customers cancel within the first month" \
    --success "specific moments of frustration, named features, verbatim quotes"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		topic, _ := cmd.Flags().GetString("topic")
		success, _ := cmd.Flags().GetString("success")
		minAmount, _ := cmd.Flags().GetFloat64("min")
		maxAmount, _ := cmd.Flags().GetFloat64("max")

		if title == "" || topic == "" {
			return fmt.Errorf("--title and --topic are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/surveys/design", map[string]any{
			"title":            title,
			"topic":            topic,
			"success_criteria": success,
			"price_range": map[string]float64{
				"min_amount": minAmount,
				"max_amount": maxAmount,
			},
		})
		if err != nil {
			return err
		}

		var survey storage.Survey
		if err := decodeJSON(resp, &survey); err != nil {
			return err
		}

		printSuccess("Created survey %s with %d questions", survey.ID, len(survey.Questions))
		for i, q := range survey.Questions {
			fmt.Printf("  %d. %s\n", i+1, q)
		}
		return nil
	},
}

var surveyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List surveys",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/surveys")
		if err != nil {
			return err
		}

		var surveys []storage.Survey
		if err := decodeJSON(resp, &surveys); err != nil {
			return err
		}

		if len(surveys) == 0 {
			fmt.Println("No surveys found.")
			return nil
		}

		for _, s := range surveys {
			fmt.Printf("%s  %s  (%d questions, $%.2f-$%.2f)\n",
				colorize(colorCyan, s.ID),
				s.Title,
				len(s.Questions),
				s.PriceRange.MinAmount,
				s.PriceRange.MaxAmount,
			)
		}
		return nil
	},
}

var surveyShowCmd = &cobra.Command{
	Use:   "show <survey-id>",
	Short: "Show a survey as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/surveys/"+args[0])
		if err != nil {
			return err
		}

		var survey any
		if err := decodeJSON(resp, &survey); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(survey)
	},
}

var surveySessionsCmd = &cobra.Command{
	Use:   "sessions <survey-id>",
	Short: "List a survey's sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/surveys/"+args[0]+"/sessions")
		if err != nil {
			return err
		}

		var sessions []storage.Session
		if err := decodeJSON(resp, &sessions); err != nil {
			return err
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		for _, s := range sessions {
			line := fmt.Sprintf("%s  %s  %s",
				colorize(colorCyan, s.ID),
				s.CreatedAt.Format("2006-01-02 15:04"),
				s.Status,
			)
			if s.EvaluationScore != nil {
				line += fmt.Sprintf("  score=%.1f", *s.EvaluationScore)
			}
			if s.PaymentAmount != nil {
				line += fmt.Sprintf("  paid=$%.2f", *s.PaymentAmount)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func parseCriterion(raw string) (storage.Criterion, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return storage.Criterion{}, fmt.Errorf("invalid criterion %q, expected name:description:weight", raw)
	}
	var weight float64
	if _, err := fmt.Sscanf(parts[2], "%f", &weight); err != nil {
		return storage.Criterion{}, fmt.Errorf("invalid weight in criterion %q: %w", raw, err)
	}
	return storage.Criterion{
		Name:        strings.TrimSpace(parts[0]),
		Description: strings.TrimSpace(parts[1]),
		Weight:      weight,
	}, nil
}

func init() {
	surveyCreateCmd.Flags().String("title", "", "survey title")
	surveyCreateCmd.Flags().StringArray("question", nil, "survey question (repeatable)")
	surveyCreateCmd.Flags().StringArray("criterion", nil, "evaluation criterion as name:description:weight (repeatable)")
	surveyCreateCmd.Flags().Float64("min", 1, "minimum payment in dollars")
	surveyCreateCmd.Flags().Float64("max", 20, "maximum payment in dollars")

	surveyDesignCmd.Flags().String("title", "", "survey title")
	surveyDesignCmd.Flags().String("topic", "", "what the survey should learn")
	surveyDesignCmd.Flags().String("success", "", "what a high-quality response looks like")
	surveyDesignCmd.Flags().Float64("min", 1, "minimum payment in dollars")
	surveyDesignCmd.Flags().Float64("max", 20, "maximum payment in dollars")

	surveyCmd.AddCommand(surveyCreateCmd)
	surveyCmd.AddCommand(surveyDesignCmd)
	surveyCmd.AddCommand(surveyListCmd)
	surveyCmd.AddCommand(surveyShowCmd)
	surveyCmd.AddCommand(surveySessionsCmd)
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Drive feedback sessions",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start <survey-id>",
	Short: "Start a feedback session for a survey",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/surveys/"+args[0]+"/sessions", map[string]any{})
		if err != nil {
			return err
		}

		var result struct {
			SessionID string   `json:"session_id"`
			RoomName  string   `json:"room_name"`
			Questions []string `json:"questions"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Started session %s (room %s)", result.SessionID, result.RoomName)
		for i, q := range result.Questions {
			fmt.Printf("  %d. %s\n", i+1, q)
		}
		return nil
	},
}

var sessionCompleteCmd = &cobra.Command{
	Use:   "complete <session-id>",
	Short: "Submit a transcript and finish a session",
	Long: `Submit a transcript and finish a session: the transcript is evaluated,
payment is sent, and the result is printed.

Examples:
  canvass session complete session_1a2b3c4d --text "Agent: ... User: ..."
  canvass session complete session_1a2b3c4d --file transcript.txt
  canvass session complete session_1a2b3c4d --file interview.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")

		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}

		transcript := text
		if file != "" {
			var err error
			transcript, err = readTranscriptFile(file)
			if err != nil {
				return err
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sessions/"+args[0]+"/complete", map[string]string{
			"transcript": transcript,
		})
		if err != nil {
			return err
		}

		var result struct {
			Score         float64 `json:"score"`
			PaymentAmount float64 `json:"payment_amount"`
			PaymentStatus string  `json:"payment_status"`
			Message       string  `json:"message"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Session completed: score %.1f, payment $%.2f (%s)",
			result.Score, result.PaymentAmount, result.PaymentStatus)
		fmt.Println(result.Message)
		return nil
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sessions/"+args[0])
		if err != nil {
			return err
		}

		var session any
		if err := decodeJSON(resp, &session); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(session)
	},
}

// readTranscriptFile loads a transcript from disk, extracting plain text
// from PDFs so exported call recordings can be submitted directly.
func readTranscriptFile(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		f, r, err := pdf.Open(path)
		if err != nil {
			return "", fmt.Errorf("opening PDF: %w", err)
		}
		defer f.Close()

		reader, err := r.GetPlainText()
		if err != nil {
			return "", fmt.Errorf("extracting PDF text: %w", err)
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(reader); err != nil {
			return "", fmt.Errorf("reading PDF text: %w", err)
		}
		return buf.String(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	return string(data), nil
}

func init() {
	sessionCompleteCmd.Flags().String("text", "", "transcript text")
	sessionCompleteCmd.Flags().String("file", "", "transcript file path (.txt or .pdf)")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionCompleteCmd)
	sessionCmd.AddCommand(sessionShowCmd)
}

// --- insights ---

var insightsCmd = &cobra.Command{
	Use:   "insights <survey-id>",
	Short: "Show aggregated insights for a survey",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/surveys/"+args[0]+"/insights")
		if err != nil {
			return err
		}

		var report struct {
			TotalSessions  int     `json:"total_sessions"`
			AverageScore   float64 `json:"average_score"`
			AveragePayment float64 `json:"average_payment"`
			KeyInsights    string  `json:"key_insights"`
		}
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		printStatus("Completed sessions", "%d", report.TotalSessions)
		printStatus("Average score", "%.1f", report.AverageScore)
		printStatus("Average payment", "$%.2f", report.AveragePayment)
		fmt.Printf("\n%s\n\n%s\n", colorize(colorBold, "Key insights"), report.KeyInsights)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
