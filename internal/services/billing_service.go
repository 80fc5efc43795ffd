package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"go.uber.org/zap"

	"github.com/agentpay/backend/internal/models"
)

// BillingService exports billed rebills as ISO 20022 pacs.008 credit
// transfer messages for the downstream invoicing system.
type BillingService struct {
	db       *sql.DB
	bic      string
	currency string
	logger   *zap.Logger
}

func NewBillingService(db *sql.DB, bic, currency string, logger *zap.Logger) *BillingService {
	return &BillingService{
		db:       db,
		bic:      bic,
		currency: currency,
		logger:   logger,
	}
}

// ExportPeriod builds one pacs.008 message carrying every rebill billed in
// the given period, one credit transfer per settlement.
func (s *BillingService) ExportPeriod(ctx context.Context, period string) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	records, err := s.billedInPeriod(ctx, period)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no billed settlements in period %s", period)
	}

	now := time.Now()
	settlementDate := now
	var total int64
	transfers := make([]pacs_v08.CreditTransferTransaction39, 0, len(records))

	for _, r := range records {
		total += r.TotalRebillMinorUnits
		instrID := common.Max35Text(r.ID)
		txID := common.Max35Text(r.ExternalTransactionID)
		debtorName := common.Max140Text(r.AgentID)
		creditorBIC := common.BICFIDec2014Identifier(s.bic)

		transfers = append(transfers, pacs_v08.CreditTransferTransaction39{
			PmtId: pacs_v08.PaymentIdentification7{
				InstrId:    &instrID,
				EndToEndId: common.Max35Text(r.ExternalTransactionID),
				TxId:       &txID,
			},
			IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(s.currency),
				Value: majorUnits(r.TotalRebillMinorUnits),
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			ChrgBr:        "SLEV",
			DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
				FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
					BICFI: &creditorBIC,
				},
			},
			Dbtr: pacs_v08.PartyIdentification135{
				Nm: &debtorName,
			},
			CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
				FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
					BICFI: &creditorBIC,
				},
			},
			Cdtr: pacs_v08.PartyIdentification135{
				Nm: &debtorName,
			},
		})
	}

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(uuid.New().String()),
			CreDtTm: common.ISODateTime(now),
			NbOfTxs: common.Max15NumericText(fmt.Sprintf("%d", len(records))),
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(s.currency),
				Value: majorUnits(total),
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: transfers,
	}
	return doc, nil
}

// majorUnits converts at the XML edge only; everything upstream stays in
// integer minor units.
func majorUnits(minorUnits int64) float64 {
	return float64(minorUnits) / 100
}

func (s *BillingService) billedInPeriod(ctx context.Context, period string) ([]models.SettlementRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_transaction_id, agent_id, total_rebill FROM settlement_records
		WHERE billing_period = $1 ORDER BY created_at`, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.SettlementRecord
	for rows.Next() {
		var r models.SettlementRecord
		if err := rows.Scan(&r.ID, &r.ExternalTransactionID, &r.AgentID, &r.TotalRebillMinorUnits); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ExportBilling serves the pacs.008 export for one billing period
// @Summary Export billed rebills
// @Description Build a pacs.008 credit transfer message for a billing period
// @Tags billing
// @Produce json
// @Param period query string true "Billing period, e.g. 2026-08"
// @Success 200 {object} object{messageType=string,xml=string}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /billing/export [get]
func (s *BillingService) ExportBilling(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		SendErrorResponse(w, "period is required", http.StatusBadRequest, nil)
		return
	}

	doc, err := s.ExportPeriod(r.Context(), period)
	if err != nil {
		SendErrorResponse(w, "No billed settlements in period", http.StatusNotFound, nil)
		return
	}

	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		s.logger.Error("billing export marshal failed", zap.String("period", period), zap.Error(err))
		SendErrorResponse(w, "Failed to export billing", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"messageType": "pacs.008.001.08",
		"period":      period,
		"xml":         xml.Header + string(xmlData),
	})
}
