package notifications

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/clock"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/enums"
)

// Message is a rendered email.
type Message struct {
	Subject string
	HTML    string
	Tag     string
}

type templateSource struct {
	subject string
	body    string
}

var sources = map[enums.NotificationTemplate]templateSource{
	enums.NotificationRenewalReminderPaid: {
		subject: "Lembrete: Sua assinatura sera renovada em {{.DaysRemaining}} dias",
		body: `<p>Este e um lembrete de que sua assinatura do plano <strong>{{.PlanName}}</strong> sera renovada automaticamente em {{date .Date}}.</p>
<p>Valor: {{money .Price}}</p>
<p>Se voce nao deseja renovar, cancele sua assinatura antes da data de vencimento.</p>`,
	},
	enums.NotificationRenewalReminderTrial: {
		subject: "Seu trial expira em {{.DaysRemaining}} dias - ContrataPro",
		body: `<p>Seu periodo de trial no ContrataPro expira em {{.DaysRemaining}} dias ({{date .Date}}).</p>
<p>Escolha um plano para continuar recebendo agendamentos.</p>`,
	},
	enums.NotificationCancellationScheduled: {
		subject: "Cancelamento agendado - ContrataPro",
		body: `<p>Seu pedido de cancelamento foi registrado.</p>
<p>Data do cancelamento: <strong>{{date .Date}}</strong></p>
{{if .Reason}}<p>Motivo informado: {{.Reason}}</p>{{end}}
<p><strong>IMPORTANTE:</strong> Voce pode continuar usando todos os recursos do ContrataPro ate a data do cancelamento.</p>
<p>Se mudar de ideia, voce pode desfazer este pedido a qualquer momento antes de {{date .Date}}.</p>`,
	},
	enums.NotificationCancellationEffective: {
		subject: "Assinatura Cancelada - ContrataPro",
		body: `<p>Sua assinatura do plano <strong>{{.PlanName}}</strong> foi cancelada.</p>
{{if .Reason}}<p>Motivo informado: {{.Reason}}</p>{{end}}
<p>Voce pode reativar sua assinatura quando quiser.</p>`,
	},
	enums.NotificationDowngradeScheduled: {
		subject: "Downgrade agendado para {{date .Date}} - ContrataPro",
		body: `<p>Seu pedido de downgrade foi registrado.</p>
<p>Plano atual: {{.PreviousPlanName}}</p>
<p>Novo plano: <strong>{{.PlanName}}</strong> ({{money .Price}}/mes)</p>
<p>A mudanca sera aplicada em {{date .Date}}. Ate la, voce continua com todos os recursos do plano atual.</p>
<p>Se mudar de ideia, voce pode desfazer este pedido a qualquer momento.</p>`,
	},
	enums.NotificationPlanChanged: {
		subject: "{{if .IsUpgrade}}Upgrade{{else}}Downgrade{{end}} de Plano - {{.PlanName}}",
		body: `<p>Seu plano foi alterado com sucesso!</p>
{{if .PreviousPlanName}}<p>Plano anterior: {{.PreviousPlanName}}</p>{{end}}
<p>Novo plano: <strong>{{.PlanName}}</strong></p>
<p>Valor: {{money .Price}}/mes</p>
{{if .Date}}<p>Proxima cobranca: {{date .Date}}</p>{{end}}
{{if .ProrationAmount.IsPositive}}<p>Valor proporcional deste ciclo: {{money .ProrationAmount}}</p>{{end}}
{{if .CheckoutURL}}<p><a href="{{.CheckoutURL}}">Completar Pagamento</a></p>{{end}}`,
	},
	enums.NotificationTrialExpired: {
		subject: "Seu periodo de trial expirou - ContrataPro",
		body: `<p>Seu periodo de trial no ContrataPro expirou.</p>
<p>Assine um plano para voltar a receber agendamentos.</p>`,
	},
	enums.NotificationPaymentFailed: {
		subject: "Problema com seu pagamento - ContrataPro",
		body: `<p>Houve um problema ao processar o pagamento da sua assinatura do plano {{.PlanName}}.</p>
<p>Voce tem ate {{date .GraceEndsAt}} para regularizar o pagamento e evitar a suspensao da sua conta.</p>
<p>Atualize seus dados de pagamento para continuar usando o ContrataPro.</p>`,
	},
	enums.NotificationSubscriptionSuspended: {
		subject: "Assinatura suspensa por falta de pagamento - ContrataPro",
		body: `<p>Sua assinatura do plano {{.PlanName}} foi suspensa por falta de pagamento.</p>
<p>Regularize o pagamento para reativar sua conta.</p>`,
	},
	enums.NotificationSubscriptionActivated: {
		subject: "Assinatura Ativada - Plano {{.PlanName}}",
		body: `<p>Sua assinatura do plano <strong>{{.PlanName}}</strong> esta ativa.</p>
{{if .Date}}<p>{{if .Price.IsZero}}Seu trial expira em{{else}}Proxima cobranca em{{end}} {{date .Date}}.</p>{{end}}`,
	},
}

const layout = `<!DOCTYPE html>
<html><body>
<div class="content">
<h2>Ola {{.RecipientName}},</h2>
{{template "body" .}}
<p>Atenciosamente,<br>Equipe ContrataPro</p>
</div>
</body></html>`

var funcs = map[string]any{
	"date":  formatDate,
	"money": formatMoney,
}

type compiled struct {
	subject *texttemplate.Template
	body    *htmltemplate.Template
}

// Renderer turns a template kind plus params into a message.
type Renderer struct {
	templates map[enums.NotificationTemplate]compiled
}

// NewRenderer parses every template kind. It fails when a kind has no source.
func NewRenderer() (*Renderer, error) {
	out := make(map[enums.NotificationTemplate]compiled, len(sources))
	for _, kind := range enums.NotificationTemplates() {
		src, ok := sources[kind]
		if !ok {
			return nil, fmt.Errorf("missing template for %s", kind)
		}
		subject, err := texttemplate.New(string(kind)).Funcs(funcs).Parse(src.subject)
		if err != nil {
			return nil, fmt.Errorf("parse subject %s: %w", kind, err)
		}
		body, err := htmltemplate.New("layout").Funcs(funcs).Parse(layout)
		if err != nil {
			return nil, fmt.Errorf("parse layout: %w", err)
		}
		if _, err := body.New("body").Parse(src.body); err != nil {
			return nil, fmt.Errorf("parse body %s: %w", kind, err)
		}
		out[kind] = compiled{subject: subject, body: body}
	}
	return &Renderer{templates: out}, nil
}

// Render fills the template for kind. RecipientName falls back to the recipient's name.
func (r *Renderer) Render(kind enums.NotificationTemplate, recipient Recipient, params Params) (Message, error) {
	tpl, ok := r.templates[kind]
	if !ok {
		return Message{}, fmt.Errorf("unknown template %q", kind)
	}
	if params.RecipientName == "" {
		params.RecipientName = recipient.Name
	}

	var subject bytes.Buffer
	if err := tpl.subject.Execute(&subject, params); err != nil {
		return Message{}, fmt.Errorf("render subject %s: %w", kind, err)
	}
	var body bytes.Buffer
	if err := tpl.body.Execute(&body, params); err != nil {
		return Message{}, fmt.Errorf("render body %s: %w", kind, err)
	}
	return Message{
		Subject: strings.TrimSpace(subject.String()),
		HTML:    body.String(),
		Tag:     string(kind),
	}, nil
}

func formatDate(v any) string {
	switch d := v.(type) {
	case time.Time:
		return clock.Format(d)
	case *time.Time:
		if d == nil {
			return ""
		}
		return clock.Format(*d)
	}
	return ""
}

func formatMoney(d decimal.Decimal) string {
	return "R$ " + strings.Replace(d.StringFixed(2), ".", ",", 1)
}
