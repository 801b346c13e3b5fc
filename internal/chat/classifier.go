package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/hellio/hrchat/internal/llm"
)

type Category string

const (
	CategoryConversational Category = "conversational"
	CategoryVague          Category = "vague"
	CategoryClear          Category = "clear"
)

type Intent string

const (
	IntentCount     Intent = "count"
	IntentList      Intent = "list"
	IntentAggregate Intent = "aggregate"
	IntentCompare   Intent = "compare"
	IntentLookup    Intent = "lookup"
)

const (
	capabilitiesReply = "Hello! I can help you query the HR database. I can answer questions about candidates (their skills, experience, location) and positions (open roles, departments, requirements). Try asking something like 'List all candidates with Python skills' or 'How many open positions are there?'"
	clarifyReply      = "I'd be happy to help! Could you be more specific? For example, you can ask about:\n" +
		"• Candidates (skills, experience, location)\n" +
		"• Positions (open roles, departments, requirements)\n" +
		"• Analytics (counts, statistics, comparisons)\n\n" +
		"Try something like: 'Show me candidates with Python skills' or 'How many open positions are there?'"
)

type Classification struct {
	NeedsQuery bool
	Category   Category
	Intent     Intent
	// Reply is the canned answer when no query is needed.
	Reply string
}

type Classifier interface {
	Classify(ctx context.Context, question string) Classification
}

func clearClassification(intent Intent) Classification {
	return Classification{NeedsQuery: true, Category: CategoryClear, Intent: intent}
}

func conversational() Classification {
	return Classification{Category: CategoryConversational, Reply: capabilitiesReply}
}

func vague() Classification {
	return Classification{Category: CategoryVague, Reply: clarifyReply}
}

var (
	conversationalPhrases = map[string]struct{}{
		"hi": {}, "hello": {}, "hey": {}, "hi there": {}, "hello there": {}, "hey there": {},
		"good morning": {}, "good afternoon": {}, "good evening": {},
		"thanks": {}, "thank you": {}, "thank you very much": {}, "thx": {}, "cheers": {},
		"help": {}, "bye": {}, "goodbye": {}, "ok": {}, "okay": {},
		"who are you": {}, "what are you": {}, "what can you do": {}, "how are you": {},
		"how does this work": {}, "what can i ask": {}, "what can i ask you": {},
	}
	requestVerbs = map[string]struct{}{
		"show": {}, "list": {}, "give": {}, "tell": {}, "provide": {}, "get": {}, "display": {},
		"find": {}, "what": {}, "fetch": {},
	}
	// Words that carry no subject of their own; a request made only of these has nothing to query.
	fillerWords = map[string]struct{}{
		"me": {}, "us": {}, "i": {}, "we": {}, "you": {}, "a": {}, "an": {}, "the": {}, "all": {},
		"some": {}, "any": {}, "every": {}, "everything": {}, "something": {}, "anything": {},
		"stuff": {}, "thing": {}, "things": {}, "data": {}, "info": {}, "information": {},
		"details": {}, "results": {}, "records": {}, "list": {}, "please": {}, "is": {}, "are": {},
		"do": {}, "does": {}, "have": {}, "has": {}, "can": {}, "could": {}, "would": {}, "it": {},
		"this": {}, "that": {}, "there": {}, "of": {}, "about": {}, "more": {}, "now": {}, "here": {},
		"to": {}, "for": {}, "with": {}, "just": {}, "else": {}, "got": {},
	}
)

// RuleClassifier recognises greetings and requests that name nothing to look up; everything else needs a query.
type RuleClassifier struct{}

func (RuleClassifier) Classify(_ context.Context, question string) Classification {
	words := normalizeWords(question)
	if len(words) == 0 {
		return vague()
	}
	phrase := strings.Join(words, " ")
	if _, ok := conversationalPhrases[phrase]; ok {
		return conversational()
	}
	if _, ok := requestVerbs[words[0]]; ok && !namesSubject(words[1:]) {
		return vague()
	}
	return clearClassification(DetectIntent(question))
}

// LLMClassifier asks the model for CONVERSATIONAL, VAGUE or CLEAR. Failures and unrecognised answers count as CLEAR.
type LLMClassifier struct {
	Completer llm.Completer
	Timeout   time.Duration
	Logger    *slog.Logger
}

func (c LLMClassifier) Classify(ctx context.Context, question string) Classification {
	intent := DetectIntent(question)
	if c.Completer == nil {
		return clearClassification(intent)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	reply, err := c.Completer.Complete(ctx, ClassificationPrompt(question))
	if err != nil {
		if c.Logger != nil {
			c.Logger.WarnContext(ctx, "question classification failed, treating as clear", slog.Any("error", err))
		}
		return clearClassification(intent)
	}
	label := strings.ToUpper(strings.TrimSpace(reply))
	switch {
	case strings.Contains(label, "CONVERSATIONAL"):
		return conversational()
	case strings.Contains(label, "VAGUE"):
		return vague()
	default:
		return clearClassification(intent)
	}
}

// DetectIntent guesses the shape of answer the question wants; it only steers the SQL prompt.
func DetectIntent(question string) Intent {
	words := normalizeWords(question)
	phrase := " " + strings.Join(words, " ") + " "
	switch {
	case strings.Contains(phrase, " how many ") || strings.Contains(phrase, " number of ") || containsWord(words, "count"):
		return IntentCount
	case containsWord(words, "compare", "versus", "vs", "difference", "between"):
		return IntentCompare
	case containsWord(words, "average", "avg", "sum", "total", "most", "least", "top", "maximum", "minimum", "highest", "lowest") ||
		strings.Contains(phrase, " per ") || strings.Contains(phrase, " by "):
		return IntentAggregate
	case len(words) > 0 && containsWord(words[:1], "list", "show", "which", "who", "find", "give", "display"):
		return IntentList
	default:
		return IntentLookup
	}
}

func normalizeWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// namesSubject reports whether any word is more than a request verb or filler.
func namesSubject(words []string) bool {
	for _, word := range words {
		if _, ok := requestVerbs[word]; ok {
			continue
		}
		if _, ok := fillerWords[word]; ok {
			continue
		}
		return true
	}
	return false
}

func containsWord(words []string, targets ...string) bool {
	for _, word := range words {
		for _, target := range targets {
			if word == target {
				return true
			}
		}
	}
	return false
}
