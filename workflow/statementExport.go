package workflow

import (
	"bytes"
	"context"
	"fmt"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/models"
	"github.com/mmdatafocus/freshledger/utils"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

const statementSheet = "Commissions"

var statementHeadings = []string{
	"User", "Name", "Type", "Window", "Anchor Order", "Total Weight (kg)", "Base Amount",
	"Rate (%)", "Commission", "Goods Product", "Goods Quantity (kg)", "Paid", "Calculated At",
}

type StatementExport struct {
	models.OperationResult
	FileName string `json:"file_name,omitempty"`
	Rows     int    `json:"rows"`
	URI      string `json:"uri,omitempty"`
	Data     []byte `json:"-"`
}

// ExportCycleStatement writes every commission of the cycle to an XLSX workbook. When upload
// is set and GCS_BUCKET is configured the workbook is also stored in GCS.
func ExportCycleStatement(ctx context.Context, db *gorm.DB, logger *logrus.Logger, cycleId int, upload bool) (*StatementExport, error) {
	var cycle models.SalesCycle
	if err := db.WithContext(ctx).Where("id = ?", cycleId).Limit(1).Find(&cycle).Error; err != nil {
		return nil, err
	}
	if cycle.ID == 0 {
		return &StatementExport{OperationResult: *models.Failed(models.ErrorKindCycleNotFoundOrInactive, "sales cycle %d not found", cycleId)}, nil
	}

	var commissions []models.Commission
	if err := db.WithContext(ctx).
		Where("cycle_id = ?", cycleId).
		Order("commission_type ASC").Order("user_id ASC").
		Find(&commissions).Error; err != nil {
		return nil, err
	}
	names := map[int]string{}
	var profiles []models.DistributorProfile
	if err := db.WithContext(ctx).Select("user_id", "name").Find(&profiles).Error; err != nil {
		return nil, err
	}
	for _, p := range profiles {
		names[p.UserId] = p.Name
	}

	data, err := buildStatementWorkbook(&cycle, commissions, names)
	if err != nil {
		config.LogError(logger, "Workflow", "ExportCycleStatement", "build workbook", cycleId, err)
		return nil, err
	}
	out := &StatementExport{
		FileName: fmt.Sprintf("commission-statement-cycle-%d.xlsx", cycle.ID),
		Rows:     len(commissions),
		Data:     data,
	}
	if upload && utils.StatementBucket() != "" {
		uri, err := utils.UploadBytesToGCS(ctx, "statements/"+out.FileName, data, utils.ContentTypeXLSX)
		if err != nil {
			config.LogError(logger, "Workflow", "ExportCycleStatement", "upload statement", cycleId, err)
			return nil, err
		}
		out.URI = uri
	}
	out.OperationResult = *models.Succeeded(fmt.Sprintf("statement for cycle %s with %d row(s)", cycle.Name, out.Rows))
	logger.WithFields(logFields(ctx, logrus.Fields{"cycle_id": cycleId, "rows": out.Rows, "uri": out.URI})).Info("commission statement exported")
	return out, nil
}

func buildStatementWorkbook(cycle *models.SalesCycle, commissions []models.Commission, names map[int]string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", statementSheet); err != nil {
		return nil, err
	}
	if err := f.SetCellValue(statementSheet, "A1", fmt.Sprintf("Commission statement: %s (%s to %s)",
		cycle.Name, cycle.StartDate.Format("2006-01-02"), cycle.EndDate.Format("2006-01-02"))); err != nil {
		return nil, err
	}
	for i, h := range statementHeadings {
		cell, err := excelize.CoordinatesToCellName(i+1, 3)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(statementSheet, cell, h); err != nil {
			return nil, err
		}
	}

	row := 4
	for _, c := range commissions {
		values := []interface{}{
			c.UserId,
			names[c.UserId],
			string(c.CommissionType),
			c.WindowKey,
			c.OrderId,
			c.TotalWeight.InexactFloat64(),
			c.BaseAmount.InexactFloat64(),
			c.Rate.InexactFloat64(),
			c.CommissionAmount.InexactFloat64(),
			"",
			"",
			c.IsPaid,
			c.CalculatedAt.UTC().Format("2006-01-02 15:04:05"),
		}
		if c.GoodsProductId != nil {
			values[9] = *c.GoodsProductId
		}
		if c.GoodsQuantity != nil {
			values[10] = c.GoodsQuantity.InexactFloat64()
		}
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(statementSheet, cell, &values); err != nil {
			return nil, err
		}
		row++
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
