// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package browser

// Scripts take their inputs as the evaluate argument, never by formatting.

const maskWebdriverScript = `Object.defineProperty(navigator, 'webdriver', { get: () => undefined });`

const existsScript = `(sel) => !!document.querySelector(sel)`

const visibleScript = `(sel) => {
	const el = document.querySelector(sel);
	if (!el) return false;
	const st = window.getComputedStyle(el);
	const r = el.getBoundingClientRect();
	return r.width > 0 && r.height > 0 && st.visibility !== 'hidden' && st.display !== 'none';
}`

const clickScript = `(sel) => {
	const el = document.querySelector(sel);
	if (!el) return false;
	el.scrollIntoView({ block: 'center' });
	el.click();
	return true;
}`

const textScript = `(sel) => {
	const el = document.querySelector(sel);
	return el ? (el.innerText || el.textContent || '').trim() : '';
}`

const fillFieldScript = `([id, value]) => {
	const el = document.getElementById(id);
	if (!el) return false;
	el.focus();
	el.value = value;
	el.dispatchEvent(new Event('input', { bubbles: true }));
	el.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
}`

const openDropdownScript = `(id) => {
	const owner = CSS.escape(id + '_listbox');
	const btn = document.querySelector('span.k-dropdown[aria-owns="' + owner + '"] .k-select, span.k-picker[aria-controls="' + owner + '"] .k-input-button');
	if (!btn) return false;
	btn.scrollIntoView({ block: 'center' });
	btn.click();
	return true;
}`

const pickOptionScript = `([id, label]) => {
	const list = document.getElementById(id + '_listbox');
	if (!list) return false;
	const option = Array.from(list.querySelectorAll('li')).find(li => li.textContent.trim() === label);
	if (!option) return false;
	option.scrollIntoView({ block: 'nearest' });
	option.click();
	return true;
}`

const datePickerScript = `([id, value]) => {
	if (!window.jQuery) return false;
	const picker = jQuery('#' + CSS.escape(id)).data('kendoDatePicker');
	if (!picker) return false;
	picker.value(value);
	picker.trigger('change');
	return true;
}`

const dropdownByLabelScript = `(text) => {
	const visible = (el) => {
		for (let n = el; n && n.nodeType === 1; n = n.parentElement) {
			const st = window.getComputedStyle(n);
			if (st.display === 'none' || st.visibility === 'hidden' || st.opacity === '0') return false;
		}
		return true;
	};
	const wanted = text.trim().toLowerCase();
	for (const label of document.querySelectorAll('label')) {
		if (!label.textContent.trim().toLowerCase().includes(wanted)) continue;
		if (!visible(label)) continue;
		const id = label.getAttribute('for');
		if (id && document.getElementById(id)) return id;
	}
	return '';
}`

const selectDataSourceScript = `([id, value]) => {
	if (!window.jQuery) return false;
	const widget = jQuery('#' + CSS.escape(id)).data('kendoDropDownList');
	if (!widget) return false;
	const textField = widget.options.dataTextField || 'Name';
	const valueField = widget.options.dataValueField || 'Id';
	const wanted = value.trim().toLowerCase();
	const items = widget.dataSource.data();
	for (let i = 0; i < items.length; i++) {
		const name = String(items[i][textField] || items[i].Name || '').trim().toLowerCase();
		if (name === wanted) {
			widget.value(items[i][valueField]);
			widget.trigger('change');
			return true;
		}
	}
	return false;
}`

const dropdownTextScript = `(id) => {
	if (!window.jQuery) return '';
	const widget = jQuery('#' + CSS.escape(id)).data('kendoDropDownList');
	return widget ? String(widget.text()).trim() : '';
}`
