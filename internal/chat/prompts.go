package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hellio/hrchat/internal/llm"
	"github.com/hellio/hrchat/internal/query"
	"github.com/hellio/hrchat/internal/schema"
)

const (
	PurposeClassify    = "classify"
	PurposeGenerateSQL = "generate_sql"
	PurposeAnswer      = "answer"

	classifyMaxTokens = 10
	sqlMaxTokens      = 500
	answerMaxTokens   = 1000
)

const classificationSystemPrompt = `You are a question classifier for an HR database chatbot. Classify user questions into exactly one category:

CONVERSATIONAL: Greetings, small talk, questions about the bot itself
Examples: "hi", "how are you", "what can you do", "help", "who are you"

VAGUE: Questions missing key information needed to query the database
Examples: "give me a list", "show me", "tell me about", "what do you have", "provide information"

CLEAR: Specific questions that can be answered by querying candidates or positions
Examples: "list candidates with Python", "how many open positions", "show me engineers"

Respond with ONLY one word: CONVERSATIONAL, VAGUE, or CLEAR`

const sqlSystemPromptTemplate = `You are a SQL expert for an HR recruitment database. Generate ONLY valid PostgreSQL SELECT queries.

SECURITY RULES:
- ONLY SELECT statements (WITH ... SELECT is allowed). Never INSERT, UPDATE, DELETE, DROP, CREATE, ALTER, TRUNCATE
- One statement only, no semicolons
- No stored procedure calls, no system catalogs, only the tables listed in the schema

QUERY PRACTICES:
- Always add LIMIT %d or lower
- Use explicit JOINs when querying multiple tables
- Use aggregate functions (COUNT, SUM, AVG) for statistics
- Use ILIKE for case-insensitive text search
- Handle NULL values appropriately

OUTPUT FORMAT:
- Return ONLY the SQL query
- No explanations, markdown, code blocks or comments`

const answerSystemPrompt = `You are an HR assistant. Answer questions based ONLY on the provided query results.

GROUNDING RULES:
- Use ONLY data present in the query results, no assumptions
- Do NOT add information that is not in the results
- Do NOT make suggestions or recommendations beyond the data
- If asked for specifics not in the results, say "This information is not available in the current data"
- If the results are marked as truncated, say the list may be incomplete

FORMATTING RULES:
- Be concise and direct
- For counts and statistics state the number clearly
- For lists use bullet points when there are more than 3 items
- Cite the data: "The query found X records..." or "According to the database..."

TONE: professional, factual, objective.`

type fewShotExample struct {
	Question string
	SQL      string
}

var fewShotExamples = []fewShotExample{
	{
		Question: "List all candidates with Python skills",
		SQL:      "SELECT c.id, c.first_name, c.last_name, c.email FROM candidates c JOIN candidate_skills cs ON c.id = cs.candidate_id WHERE cs.skill_name ILIKE '%Python%' LIMIT 100",
	},
	{
		Question: "How many open positions are there?",
		SQL:      "SELECT COUNT(*) AS open_positions FROM positions WHERE status = 'Open'",
	},
	{
		Question: "Which positions have no candidates?",
		SQL:      "SELECT p.id, p.title, p.department FROM positions p LEFT JOIN applications a ON p.id = a.position_id WHERE a.id IS NULL LIMIT 100",
	},
}

func ClassificationPrompt(question string) llm.Prompt {
	return llm.Prompt{
		Purpose:   PurposeClassify,
		System:    classificationSystemPrompt,
		User:      fmt.Sprintf("User question: %q\n\nClassify this question:", strings.TrimSpace(question)),
		MaxTokens: classifyMaxTokens,
	}
}

func SQLPrompt(question string, desc schema.Descriptor, maxRows int, intent Intent) llm.Prompt {
	var b strings.Builder
	b.WriteString("Database schema (")
	b.WriteString(desc.SchemaName)
	b.WriteString("):\n")
	b.WriteString(desc.PromptText())
	b.WriteString("\nExample queries:\n")
	for _, example := range fewShotExamples {
		fmt.Fprintf(&b, "\nQ: %q\nA: %s\n", example.Question, example.SQL)
	}
	fmt.Fprintf(&b, "\nUser question: %s\n", strings.TrimSpace(question))
	if hint := intentHint(intent); hint != "" {
		fmt.Fprintf(&b, "Hint: %s\n", hint)
	}
	b.WriteString("\nGenerate a PostgreSQL SELECT query to answer this question.\nReturn ONLY the SQL query, nothing else.")

	return llm.Prompt{
		Purpose:   PurposeGenerateSQL,
		System:    fmt.Sprintf(sqlSystemPromptTemplate, maxRows),
		User:      b.String(),
		MaxTokens: sqlMaxTokens,
	}
}

// AnswerPrompt embeds at most previewRows rows as JSON along with the executed SQL and the total row count.
func AnswerPrompt(question, executedSQL string, result query.Result, previewRows int) (llm.Prompt, error) {
	records := result.Records()
	if previewRows > 0 && len(records) > previewRows {
		records = records[:previewRows]
	}
	rowsJSON, err := json.Marshal(records)
	if err != nil {
		return llm.Prompt{}, fmt.Errorf("marshal result rows: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nSQL Query Executed:\n%s\n\n", strings.TrimSpace(question), executedSQL)
	fmt.Fprintf(&b, "Query Results (%d total rows", result.RowCount)
	if result.Truncated {
		b.WriteString(", truncated at the row limit")
	}
	if len(records) < result.RowCount {
		fmt.Fprintf(&b, ", first %d shown", len(records))
	}
	b.WriteString("):\n")
	b.Write(rowsJSON)
	b.WriteString("\n\nProvide a clear, factual answer based ONLY on these results. Do not add any information not present in the data.")

	return llm.Prompt{
		Purpose:   PurposeAnswer,
		System:    answerSystemPrompt,
		User:      b.String(),
		MaxTokens: answerMaxTokens,
	}, nil
}

func intentHint(intent Intent) string {
	switch intent {
	case IntentCount:
		return "the user wants a count; return a single COUNT(*) row with a descriptive alias."
	case IntentAggregate:
		return "the user wants grouped statistics; use GROUP BY with aggregate functions."
	case IntentCompare:
		return "the user wants a comparison; return one row per compared group."
	case IntentList:
		return "the user wants a list of records; select the identifying columns."
	default:
		return ""
	}
}
