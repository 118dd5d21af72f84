package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/bmdtechnologies/portal/internal/models"
)

// Rule names, also used as metric attributes.
const (
	RuleSurvey  = "survey"
	RuleLogin   = "login"
	RuleHelp    = "help"
	RuleAgent   = "agent"
	RuleThanks  = "thanks"
	RuleDefault = "default"
)

// Rule answers any message containing one of its keywords.
type Rule struct {
	Name     string
	Keywords []string
	Reply    string
	// Handoff schedules the agent greeting after the reply.
	Handoff bool
}

// Matches reports whether the lowercased text contains a keyword.
func (r Rule) Matches(lower string) bool {
	for _, k := range r.Keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Catalog is the ordered rule table and timing of one chat surface.
type Catalog struct {
	Kind          models.ChatKind
	Welcome       string
	Rules         []Rule
	Fallback      string
	AgentGreeting string

	ReplyDelay   time.Duration
	ReplyJitter  time.Duration
	HandoffDelay time.Duration
}

// Match returns the first rule matching text, or the fallback rule.
func (c Catalog) Match(text string) Rule {
	lower := strings.ToLower(text)
	for _, r := range c.Rules {
		if r.Matches(lower) {
			return r
		}
	}
	return Rule{Name: RuleDefault, Reply: c.Fallback}
}

var (
	surveyKeywords = []string{"sondage", "questionnaire"}
	loginKeywords  = []string{"connexion", "connecter"}
	helpKeywords   = []string{"aide", "support"}
	agentKeywords  = []string{"agent", "humain"}
	thanksKeywords = []string{"merci", "thank"}
)

const thanksReply = "De rien ! N'hésitez pas si vous avez d'autres questions. Je suis là pour vous aider 😊"

// WidgetCatalog is used by the floating chat bubble.
func WidgetCatalog() Catalog {
	return Catalog{
		Kind:    models.ChatKindWidget,
		Welcome: "Bonjour ! Je suis l'assistant virtuel Bmd Technologies. Comment puis-je vous aider aujourd'hui ?",
		Rules: []Rule{
			{
				Name:     RuleSurvey,
				Keywords: surveyKeywords,
				Reply:    "Pour accéder à vos sondages, connectez-vous via le bouton 'Se connecter' en haut de la page. Vous pourrez voir tous vos sondages disponibles sur votre tableau de bord.",
			},
			{
				Name:     RuleLogin,
				Keywords: loginKeywords,
				Reply:    "Pour vous connecter, cliquez sur 'Se connecter' et saisissez votre email. Vous recevrez un code de vérification par SMS ou email.",
			},
			{
				Name:     RuleHelp,
				Keywords: helpKeywords,
				Reply:    "Je peux vous aider avec :\n• Connexion à votre compte\n• Accès aux sondages\n• Questions techniques\n• Contact avec un agent\n\nQue souhaitez-vous faire ?",
			},
			{
				Name:     RuleAgent,
				Keywords: agentKeywords,
				Reply:    "Je vais vous mettre en relation avec un agent. Veuillez patienter...",
				Handoff:  true,
			},
			{
				Name:     RuleThanks,
				Keywords: thanksKeywords,
				Reply:    thanksReply,
			},
		},
		Fallback:      "Je comprends votre demande. Pour une assistance personnalisée, puis-je vous proposer de consulter notre centre d'aide ou de parler avec un agent ?",
		AgentGreeting: "Bonjour, je suis Marie de l'équipe support Bmd Technologies. Comment puis-je vous aider ?",
		ReplyDelay:    1500 * time.Millisecond,
		ReplyJitter:   time.Second,
		HandoffDelay:  2 * time.Second,
	}
}

// PageCatalog is used by the full support page. Its replies are step by step guides.
func PageCatalog() Catalog {
	return Catalog{
		Kind:    models.ChatKindPage,
		Welcome: "Bonjour ! Bienvenue sur le support Bmd Technologies. Je suis votre assistant virtuel et je peux vous aider avec vos questions sur les sondages, la connexion, et bien plus encore. Comment puis-je vous aider aujourd'hui ?",
		Rules: []Rule{
			{
				Name:     RuleSurvey,
				Keywords: surveyKeywords,
				Reply: `Pour accéder à vos sondages :

1. Connectez-vous via le bouton "Se connecter"
2. Saisissez votre email
3. Entrez le code OTP reçu
4. Accédez à votre tableau de bord

Vous pourrez alors voir tous vos sondages disponibles et y répondre directement.`,
			},
			{
				Name:     RuleLogin,
				Keywords: loginKeywords,
				Reply: `Guide de connexion Bmd Technologies :

• Cliquez sur "Se connecter" en haut de la page
• Saisissez votre adresse email
• Choisissez de recevoir le code par SMS ou email
• Entrez le code de vérification à 6 chiffres
• Vous serez automatiquement connecté

En cas de problème, contactez-nous au 01 23 45 67 89.`,
			},
			{
				Name:     RuleHelp,
				Keywords: helpKeywords,
				Reply: `Je peux vous aider avec :

🔐 **Connexion et authentification**
📊 **Accès aux sondages et questionnaires**
💻 **Support technique**
📞 **Mise en relation avec un agent**
📧 **Questions générales**

Choisissez un sujet ou décrivez votre problème !`,
			},
			{
				Name:     RuleAgent,
				Keywords: agentKeywords,
				Reply:    "Je transfère votre demande à un agent. Temps d'attente estimé : 2-3 minutes. Un membre de notre équipe va prendre en charge votre conversation.",
				Handoff:  true,
			},
			{
				Name:     RuleThanks,
				Keywords: thanksKeywords,
				Reply:    thanksReply,
			},
		},
		Fallback: `Je comprends votre demande. Voici ce que je peux vous proposer :

• **Centre d'aide** : Consultez notre FAQ complète
• **Support technique** : Pour les problèmes techniques
• **Agent humain** : Pour une assistance personnalisée

Souhaitez-vous que je vous mette en relation avec un agent ?`,
		AgentGreeting: "Bonjour ! Je suis Marie de l'équipe support Bmd Technologies. J'ai pris connaissance de votre demande. Comment puis-je vous aider de manière plus spécifique ?",
		ReplyDelay:    2 * time.Second,
		HandoffDelay:  3 * time.Second,
	}
}

// CatalogFor returns the catalog of a chat surface.
func CatalogFor(kind models.ChatKind) (Catalog, error) {
	switch kind {
	case models.ChatKindWidget, "":
		return WidgetCatalog(), nil
	case models.ChatKindPage:
		return PageCatalog(), nil
	default:
		return Catalog{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// QuickActions are the canned prompts of the support page.
func QuickActions() []models.QuickAction {
	return []models.QuickAction{
		{Label: "Aide connexion", Message: "J'ai besoin d'aide pour me connecter à mon compte"},
		{Label: "Accès sondages", Message: "Comment puis-je accéder à mes sondages ?"},
		{Label: "Problème technique", Message: "J'ai un problème technique avec la plateforme"},
		{Label: "Parler à un agent", Message: "Je souhaiterais parler à un agent humain"},
	}
}
